package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-atlas/internal/persistence"
)

var (
	namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	// Supercronic accepts more, but the descriptor only carries plain
	// numeric fields so nothing a caller writes can inject a command.
	scheduleCharset = regexp.MustCompile(`^[\d\s*/,-]+$`)
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidName reports whether name is a usable trigger slug.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// SafeSchedule reports whether a schedule only uses descriptor-safe characters.
func SafeSchedule(schedule string) bool {
	return scheduleCharset.MatchString(schedule)
}

// ValidateSchedule checks the character set and that the expression parses.
func ValidateSchedule(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return persistence.Invalid("schedule", "cron triggers require a schedule")
	}
	if !SafeSchedule(schedule) {
		return persistence.Invalid("schedule", "invalid cron schedule format")
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return persistence.Invalid("schedule", fmt.Sprintf("invalid cron schedule: %v", err))
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// NextRun is the next fire time of an enabled cron trigger. ok is false for
// other trigger types, disabled triggers and unparsable schedules.
func NextRun(t *persistence.Trigger, now time.Time) (next time.Time, ok bool) {
	if t == nil || t.Type != persistence.TriggerTypeCron || !t.Enabled {
		return time.Time{}, false
	}
	next, err := NextRunTime(t.Schedule, now)
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}
