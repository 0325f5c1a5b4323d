package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/basket/go-atlas/internal/persistence"
)

type inboxWriteInput struct {
	Content     string `json:"content" jsonschema:"task description with full context; the worker has no other context"`
	TriggerName string `json:"trigger_name,omitempty" jsonschema:"owning trigger; empty means adhoc"`
	Await       bool   `json:"await,omitempty" jsonschema:"register an await so the trigger is woken when the task finishes"`
	SessionKey  string `json:"session_key,omitempty" jsonschema:"session key recorded on the await"`
}

type inboxListInput struct {
	Status      string `json:"status,omitempty" jsonschema:"filter by status: pending, processing, done, cancelled (default pending)"`
	TriggerName string `json:"trigger_name,omitempty" jsonschema:"filter by owning trigger"`
	Limit       int    `json:"limit,omitempty" jsonschema:"max number of tasks to return (default 20)"`
}

type emptyInput struct{}

type taskCompleteInput struct {
	TaskID          int64  `json:"task_id" jsonschema:"id of the processing task"`
	ResponseSummary string `json:"response_summary,omitempty" jsonschema:"summary delivered to the awaiting trigger"`
}

type taskCancelInput struct {
	TaskID int64  `json:"task_id" jsonschema:"id of the pending task"`
	Reason string `json:"reason,omitempty" jsonschema:"why the task was dropped"`
}

type taskUpdateInput struct {
	TaskID  int64  `json:"task_id" jsonschema:"id of the pending task"`
	Content string `json:"content" jsonschema:"replacement instructions"`
}

type awaitRegisterInput struct {
	TaskID      int64  `json:"task_id" jsonschema:"id of the task to wait on"`
	TriggerName string `json:"trigger_name" jsonschema:"trigger to wake when the task finishes"`
	SessionKey  string `json:"session_key,omitempty" jsonschema:"session key used to resume the trigger's session"`
}

func (s *Server) registerTaskTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "inbox_write",
		Description: "Write a new task to the inbox and wake the worker",
	}, s.inboxWrite)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "inbox_list",
		Description: "List tasks in the inbox, oldest first",
	}, s.inboxList)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "inbox_stats",
		Description: "Get task counts by status, message counts by channel and pending wakes",
	}, s.inboxStats)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_claim",
		Description: "Claim the oldest pending task. Returns the active task with resumed=true if one is already processing",
	}, s.taskClaim)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_complete",
		Description: "Mark the processing task done and wake its trigger",
	}, s.taskComplete)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_cancel",
		Description: "Cancel a pending task",
	}, s.taskCancel)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_update",
		Description: "Replace the content of a pending task",
	}, s.taskUpdate)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "await_register",
		Description: "Ask to be woken when a task finishes",
	}, s.awaitRegister)
}

func (s *Server) inboxWrite(ctx context.Context, _ *mcp.CallToolRequest, in inboxWriteInput) (*mcp.CallToolResult, any, error) {
	task, err := s.queue.Enqueue(ctx, in.TriggerName, in.Content)
	if err != nil {
		return s.errorResult("inbox_write", err)
	}
	out := map[string]any{"task": task}
	if in.Await && in.TriggerName != "" {
		reg, err := s.queue.Wake().RegisterAwait(ctx, task.ID, task.TriggerName, in.SessionKey)
		if err != nil {
			return s.errorResult("inbox_write", err)
		}
		out["await"] = reg.Await
	}
	return jsonResult(out)
}

func (s *Server) inboxList(ctx context.Context, _ *mcp.CallToolRequest, in inboxListInput) (*mcp.CallToolResult, any, error) {
	filter := persistence.TaskFilter{TriggerName: in.TriggerName, Limit: in.Limit, Status: persistence.TaskStatusPending}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if in.Status != "" {
		status, err := persistence.ParseTaskStatus(in.Status)
		if err != nil {
			return s.errorResult("inbox_list", err)
		}
		filter.Status = status
	}
	tasks, err := s.queue.List(ctx, filter)
	if err != nil {
		return s.errorResult("inbox_list", err)
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	return jsonResult(tasks)
}

func (s *Server) inboxStats(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return s.errorResult("inbox_stats", err)
	}
	return jsonResult(stats)
}

func (s *Server) taskClaim(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	claim, err := s.queue.ClaimNext(ctx)
	if err != nil {
		return s.errorResult("task_claim", err)
	}
	if claim.Task == nil {
		return jsonResult(map[string]any{"task": nil, "message": "no pending tasks"})
	}
	out := map[string]any{"task": claim.Task, "resumed": claim.Resumed}
	if claim.Resumed {
		out["message"] = "you already have an active task; complete it before claiming another"
	}
	return jsonResult(out)
}

func (s *Server) taskComplete(ctx context.Context, _ *mcp.CallToolRequest, in taskCompleteInput) (*mcp.CallToolResult, any, error) {
	task, wake, err := s.queue.Complete(ctx, in.TaskID, in.ResponseSummary)
	if err != nil {
		return s.errorResult("task_complete", err)
	}
	return jsonResult(map[string]any{"task": task, "woke": wake != nil})
}

func (s *Server) taskCancel(ctx context.Context, _ *mcp.CallToolRequest, in taskCancelInput) (*mcp.CallToolResult, any, error) {
	task, err := s.queue.Cancel(ctx, in.TaskID, in.Reason)
	if err != nil {
		return s.errorResult("task_cancel", err)
	}
	return jsonResult(task)
}

func (s *Server) taskUpdate(ctx context.Context, _ *mcp.CallToolRequest, in taskUpdateInput) (*mcp.CallToolResult, any, error) {
	task, err := s.queue.UpdateContent(ctx, in.TaskID, in.Content)
	if err != nil {
		return s.errorResult("task_update", err)
	}
	return jsonResult(task)
}

func (s *Server) awaitRegister(ctx context.Context, _ *mcp.CallToolRequest, in awaitRegisterInput) (*mcp.CallToolResult, any, error) {
	reg, err := s.queue.Wake().RegisterAwait(ctx, in.TaskID, in.TriggerName, in.SessionKey)
	if err != nil {
		return s.errorResult("await_register", err)
	}
	switch {
	case reg.Await != nil:
		return jsonResult(map[string]any{"await": reg.Await})
	case reg.Emitted:
		return jsonResult(map[string]any{"await": nil, "wake": reg.Wake, "message": "task already done; wake emitted"})
	default:
		return jsonResult(map[string]any{"await": nil, "wake": reg.Wake, "message": "task already done; wake was emitted earlier"})
	}
}
