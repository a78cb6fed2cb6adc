package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/tools"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/typeutil"
)

// Action is a calendar operation requested by the teacher.
type Action string

const (
	ActionList   Action = "list"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// DefaultEventDuration is used when a created event has no end time.
const DefaultEventDuration = time.Hour

// Command is one extracted calendar request.
type Command struct {
	Action  Action
	Range   string // List: phrase or YYYY-MM-DD
	Title   string
	Date    string // Create/edit: "today", "tomorrow" or YYYY-MM-DD
	Time    string // Create/edit: time of day
	EventID string
	Confirm bool
}

// Assistant is the direct calendar target: it runs one command and replies with a
// readable summary, never raw event data.
type Assistant struct {
	svc    Service
	now    func() time.Time
	logger observability.Logger
}

// NewAssistant creates the calendar target. now sets the clock and location.
func NewAssistant(svc Service, now func() time.Time, logger observability.Logger) *Assistant {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Assistant{svc: svc, now: now, logger: logger.Bind("component", "calendar")}
}

// Do runs a command. Missing parameters and unconfirmed deletes return an
// AmbiguousRequest error carrying the question to ask.
func (a *Assistant) Do(ctx context.Context, cmd Command) (string, error) {
	a.logger.Info("calendar_command", "action", string(cmd.Action), "range", cmd.Range, "event_id", cmd.EventID)

	var (
		reply string
		err   error
	)
	switch cmd.Action {
	case ActionList:
		reply, err = a.list(ctx, cmd)
	case ActionCreate:
		reply, err = a.create(ctx, cmd)
	case ActionEdit:
		reply, err = a.edit(ctx, cmd)
	case ActionDelete:
		reply, err = a.delete(ctx, cmd)
	default:
		err = failures.Ambiguous("Would you like to list, create, edit or delete a calendar event?")
	}
	if err != nil {
		return "", a.classify(err)
	}
	return reply, nil
}

func (a *Assistant) list(ctx context.Context, cmd Command) (string, error) {
	if cmd.Range == "" {
		return "", failures.Ambiguous("Which days should I check? For example: today, tomorrow, this week, next week or a date like 2025-08-15.")
	}
	r, err := ParseRange(cmd.Range, a.now())
	if err != nil {
		return "", failures.Ambiguous(fmt.Sprintf("I didn't understand %q. Try today, tomorrow, this week, next week or a date like 2025-08-15.", cmd.Range))
	}
	events, err := a.svc.List(ctx, r.From, r.To)
	if err != nil {
		return "", err
	}
	return FormatEvents(events, r), nil
}

func (a *Assistant) create(ctx context.Context, cmd Command) (string, error) {
	var missing []string
	if cmd.Title == "" {
		missing = append(missing, "a title")
	}
	if cmd.Date == "" {
		missing = append(missing, "a date")
	}
	if cmd.Time == "" {
		missing = append(missing, "a time")
	}
	if len(missing) > 0 {
		return "", failures.Ambiguous(fmt.Sprintf("To create the event I need %s. For example: create event Parent meeting on 2025-08-15 at 4 pm.", joinList(missing)))
	}

	start, err := a.at(cmd.Date, cmd.Time, time.Time{})
	if err != nil {
		return "", err
	}
	e, err := a.svc.Create(ctx, Event{Title: cmd.Title, Start: start, End: start.Add(DefaultEventDuration)})
	if err != nil {
		return "", err
	}
	return "Created: " + FormatDetailed(e), nil
}

func (a *Assistant) edit(ctx context.Context, cmd Command) (string, error) {
	if cmd.EventID == "" {
		return "", failures.Ambiguous("Which event should I change? Please give its id (list your events to see ids).")
	}
	if cmd.Title == "" && cmd.Date == "" && cmd.Time == "" {
		return "", failures.Ambiguous("What should I change: the title, the date or the time?")
	}

	current, err := a.svc.Get(ctx, cmd.EventID)
	if err != nil {
		return "", err
	}
	var p Patch
	if cmd.Title != "" {
		p.Title = &cmd.Title
	}
	if cmd.Date != "" || cmd.Time != "" {
		start, err := a.at(cmd.Date, cmd.Time, current.Start)
		if err != nil {
			return "", err
		}
		p.Start = &start
	}
	e, err := a.svc.Update(ctx, cmd.EventID, p)
	if err != nil {
		return "", err
	}
	return "Updated: " + FormatDetailed(e), nil
}

func (a *Assistant) delete(ctx context.Context, cmd Command) (string, error) {
	if cmd.EventID == "" {
		return "", failures.Ambiguous("Which event should I delete? Please give its id (list your events to see ids).")
	}
	if !cmd.Confirm {
		return "", &failures.Error{
			Kind:    failures.KindAmbiguousRequest,
			Message: fmt.Sprintf("Deleting cannot be undone. Reply \"delete event %s confirm\" to delete it.", cmd.EventID),
			Err:     ErrConfirmationRequired,
		}
	}
	e, err := a.svc.Get(ctx, cmd.EventID)
	if err != nil {
		return "", err
	}
	if err := a.svc.Delete(ctx, cmd.EventID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted: %s on %s.", e.Title, e.Start.Format("Mon 2 Jan 2006")), nil
}

// at combines a date phrase and a clock time. Missing parts come from base.
func (a *Assistant) at(date, clock string, base time.Time) (time.Time, error) {
	now := a.now()
	day := midnight(base)
	if base.IsZero() {
		day = midnight(now)
	}
	if date != "" {
		r, err := ParseRange(date, now)
		if err != nil || r.Days() != 1 {
			return time.Time{}, failures.Ambiguous(fmt.Sprintf("I didn't understand the date %q. Use today, tomorrow or a date like 2025-08-15.", date))
		}
		day = r.From
	}

	hour, minute := base.Hour(), base.Minute()
	if clock != "" {
		var err error
		if hour, minute, err = ParseClock(clock); err != nil {
			return time.Time{}, failures.Ambiguous(fmt.Sprintf("I didn't understand the time %q. Use a time like 10:30 or 4 pm.", clock))
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location()), nil
}

// classify maps service errors onto the failure taxonomy.
func (a *Assistant) classify(err error) error {
	var fe *failures.Error
	switch {
	case errors.As(err, &fe):
		return err
	case errors.Is(err, ErrEventNotFound):
		return failures.Ambiguous("I couldn't find that event. Ask me to list your events to see their ids.")
	case errors.Is(err, ErrInvalidEvent):
		return failures.Ambiguous("That event doesn't look right: " + strings.TrimPrefix(err.Error(), ErrInvalidEvent.Error()+"\n"))
	case errors.Is(err, context.Canceled):
		return failures.New(failures.KindCancelled, "calendar", err)
	}
	a.logger.Error("calendar_backend_error", "error", err.Error())
	return failures.Unavailable("calendar", err, failures.IsTransient(err))
}

func joinList(items []string) string {
	switch len(items) {
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}

// =============================================================================
// TOOLS
// =============================================================================

// ListToolName is the registered name of the availability tool.
const ListToolName = "calendar_list"

// ListTool reports existing commitments over a range phrase, for planning stages.
type ListTool struct {
	svc Service
	now func() time.Time
}

// NewListTool creates the availability tool.
func NewListTool(svc Service, now func() time.Time) *ListTool {
	if now == nil {
		now = time.Now
	}
	return &ListTool{svc: svc, now: now}
}

// Handler reads the "range" param (default "next week").
func (t *ListTool) Handler(ctx context.Context, params map[string]any) (map[string]any, error) {
	phrase := typeutil.SafeStringDefault(params["range"], "next week")
	r, err := ParseRange(phrase, t.now())
	if err != nil {
		return nil, err
	}
	events, err := t.svc.List(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(events))
	for _, e := range events {
		items = append(items, map[string]any{
			"id":    e.ID,
			"title": e.Title,
			"start": e.Start.Format(time.RFC3339),
			"end":   e.End.Format(time.RFC3339),
		})
	}
	return map[string]any{
		tools.KeyText:  Busy(events, r),
		tools.KeyItems: items,
	}, nil
}

// Definition returns the registration of the availability tool.
func (t *ListTool) Definition() *tools.ToolDefinition {
	return &tools.ToolDefinition{
		Name:        ListToolName,
		Description: "Lists existing calendar commitments over a date range.",
		Category:    "calendar",
		Handler:     t.Handler,
	}
}
