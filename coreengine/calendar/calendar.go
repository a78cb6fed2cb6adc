// Package calendar is the teacher's calendar collaborator: a narrow CRUD service over
// events, date-range phrases, human-readable summaries, and the direct calendar target.
package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEventNotFound is returned when an event id does not exist.
	ErrEventNotFound = errors.New("calendar: event not found")

	// ErrConfirmationRequired is returned when a delete is not explicitly confirmed.
	ErrConfirmationRequired = errors.New("calendar: delete requires confirmation")

	// ErrInvalidEvent is returned for events without a title or with end before start.
	ErrInvalidEvent = errors.New("calendar: invalid event")
)

// Event is one calendar entry.
type Event struct {
	ID          string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// Validate checks the fields every backend needs.
func (e Event) Validate() error {
	if e.Title == "" {
		return errors.Join(ErrInvalidEvent, errors.New("title is required"))
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return errors.Join(ErrInvalidEvent, errors.New("start and end are required"))
	}
	if e.End.Before(e.Start) {
		return errors.Join(ErrInvalidEvent, errors.New("end is before start"))
	}
	return nil
}

// Patch changes selected fields of an event. Nil fields are left unchanged.
type Patch struct {
	Title *string
	Start *time.Time
	End   *time.Time
}

// Apply returns e with the patch applied.
func (p Patch) Apply(e Event) Event {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Start != nil {
		d := e.End.Sub(e.Start)
		e.Start = *p.Start
		if p.End == nil {
			e.End = e.Start.Add(d)
		}
	}
	if p.End != nil {
		e.End = *p.End
	}
	return e
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Start == nil && p.End == nil
}

// Service is the calendar backend. Implementations are safe for concurrent use;
// List returns events overlapping [from, to) ordered by start.
type Service interface {
	List(ctx context.Context, from, to time.Time) ([]Event, error)
	Get(ctx context.Context, id string) (Event, error)
	Create(ctx context.Context, e Event) (Event, error)
	Update(ctx context.Context, id string, p Patch) (Event, error)
	Delete(ctx context.Context, id string) error
}
