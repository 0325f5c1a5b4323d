package mcpserver

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/trigger"
)

type triggerListInput struct {
	Type string `json:"type,omitempty" jsonschema:"filter by type: cron, webhook, manual"`
}

type triggerCreateInput struct {
	Name          string `json:"name" jsonschema:"unique trigger slug, lowercase letters, digits, dashes and underscores"`
	Type          string `json:"type" jsonschema:"trigger type: cron, webhook or manual"`
	Description   string `json:"description,omitempty" jsonschema:"human-readable description"`
	Channel       string `json:"channel,omitempty" jsonschema:"reply channel (default internal)"`
	Schedule      string `json:"schedule,omitempty" jsonschema:"five-field cron expression, required for type=cron"`
	WebhookSecret string `json:"webhook_secret,omitempty" jsonschema:"secret callers send in the X-Webhook-Secret header"`
	Prompt        string `json:"prompt,omitempty" jsonschema:"prompt template; {{payload}} is replaced with the event payload"`
	SessionMode   string `json:"session_mode,omitempty" jsonschema:"ephemeral (new session per run) or persistent (resume across runs)"`
}

type triggerUpdateInput struct {
	Name          string  `json:"name" jsonschema:"trigger name to update"`
	Description   *string `json:"description,omitempty" jsonschema:"new description"`
	Channel       *string `json:"channel,omitempty" jsonschema:"new reply channel"`
	Schedule      *string `json:"schedule,omitempty" jsonschema:"new cron schedule"`
	WebhookSecret *string `json:"webhook_secret,omitempty" jsonschema:"new webhook secret; empty clears it"`
	Prompt        *string `json:"prompt,omitempty" jsonschema:"new prompt template"`
	SessionMode   *string `json:"session_mode,omitempty" jsonschema:"ephemeral or persistent"`
	Enabled       *bool   `json:"enabled,omitempty" jsonschema:"enable or disable the trigger"`
}

type triggerNameInput struct {
	Name string `json:"name" jsonschema:"trigger name"`
}

func (s *Server) registerTriggerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "trigger_list",
		Description: "List configured triggers (cron, webhook, manual)",
	}, s.triggerList)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "trigger_create",
		Description: "Create a trigger. Webhooks are served at /api/webhook/<name>",
	}, s.triggerCreate)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "trigger_update",
		Description: "Update the supplied fields of an existing trigger",
	}, s.triggerUpdate)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "trigger_delete",
		Description: "Delete a trigger with its sessions and awaits",
	}, s.triggerDelete)
}

func (s *Server) triggerList(ctx context.Context, _ *mcp.CallToolRequest, in triggerListInput) (*mcp.CallToolResult, any, error) {
	var typ persistence.TriggerType
	if in.Type != "" {
		parsed, err := trigger.ParseType(in.Type)
		if err != nil {
			return s.errorResult("trigger_list", err)
		}
		typ = parsed
	}
	list, err := s.triggers.List(ctx, typ)
	if err != nil {
		return s.errorResult("trigger_list", err)
	}
	if list == nil {
		list = []persistence.Trigger{}
	}
	return jsonResult(list)
}

func (s *Server) triggerCreate(ctx context.Context, _ *mcp.CallToolRequest, in triggerCreateInput) (*mcp.CallToolResult, any, error) {
	typ, err := trigger.ParseType(in.Type)
	if err != nil {
		return s.errorResult("trigger_create", err)
	}
	mode, err := trigger.ParseSessionMode(in.SessionMode)
	if err != nil {
		return s.errorResult("trigger_create", err)
	}
	t, err := s.triggers.Create(ctx, trigger.Spec{
		Name:          in.Name,
		Type:          typ,
		Description:   in.Description,
		Channel:       in.Channel,
		Schedule:      in.Schedule,
		WebhookSecret: in.WebhookSecret,
		Prompt:        in.Prompt,
		SessionMode:   mode,
	})
	if t == nil {
		return s.errorResult("trigger_create", err)
	}
	out := map[string]any{"trigger": t}
	if t.Type == persistence.TriggerTypeWebhook {
		out["webhook_url"] = "/api/webhook/" + t.Name
		out["hint"] = "Configure the external service to POST to this URL. The body becomes {{payload}} in the prompt."
		if t.HasSecret() {
			out["auth"] = "Send the configured secret in the X-Webhook-Secret header."
		}
	}
	addSyncWarning(out, err)
	return jsonResult(out)
}

func (s *Server) triggerUpdate(ctx context.Context, _ *mcp.CallToolRequest, in triggerUpdateInput) (*mcp.CallToolResult, any, error) {
	patch := persistence.TriggerPatch{
		Description:   in.Description,
		Channel:       in.Channel,
		Schedule:      in.Schedule,
		WebhookSecret: in.WebhookSecret,
		Prompt:        in.Prompt,
		Enabled:       in.Enabled,
	}
	if in.SessionMode != nil {
		mode, err := trigger.ParseSessionMode(*in.SessionMode)
		if err != nil {
			return s.errorResult("trigger_update", err)
		}
		patch.SessionMode = &mode
	}
	t, err := s.triggers.Update(ctx, in.Name, patch)
	if t == nil {
		return s.errorResult("trigger_update", err)
	}
	out := map[string]any{"trigger": t}
	addSyncWarning(out, err)
	return jsonResult(out)
}

func (s *Server) triggerDelete(ctx context.Context, _ *mcp.CallToolRequest, in triggerNameInput) (*mcp.CallToolResult, any, error) {
	t, err := s.triggers.Delete(ctx, in.Name)
	if t == nil {
		return s.errorResult("trigger_delete", err)
	}
	out := map[string]any{"deleted": t.Name, "type": t.Type}
	addSyncWarning(out, err)
	return jsonResult(out)
}

// addSyncWarning surfaces a crontab failure on a change that was committed.
func addSyncWarning(out map[string]any, err error) {
	if err != nil && errors.Is(err, trigger.ErrSyncFailed) {
		out["warning"] = err.Error()
	}
}
