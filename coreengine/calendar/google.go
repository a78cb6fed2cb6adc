package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleService implements Service over the Google Calendar API for one calendar.
type GoogleService struct {
	svc        *gcal.Service
	calendarID string
	loc        *time.Location
}

// NewGoogleService creates a Calendar API client. Times are reported in loc.
func NewGoogleService(ctx context.Context, calendarID string, loc *time.Location, opts ...option.ClientOption) (*GoogleService, error) {
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar client: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	if loc == nil {
		loc = time.Local
	}
	return &GoogleService{svc: svc, calendarID: calendarID, loc: loc}, nil
}

func (g *GoogleService) List(ctx context.Context, from, to time.Time) ([]Event, error) {
	resp, err := g.svc.Events.List(g.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, g.wrap("list", "", err)
	}
	out := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		e, err := g.fromAPI(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (g *GoogleService) Create(ctx context.Context, e Event) (Event, error) {
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	created, err := g.svc.Events.Insert(g.calendarID, g.toAPI(e)).Context(ctx).Do()
	if err != nil {
		return Event{}, g.wrap("create", "", err)
	}
	return g.fromAPI(created)
}

func (g *GoogleService) Get(ctx context.Context, id string) (Event, error) {
	ev, err := g.svc.Events.Get(g.calendarID, id).Context(ctx).Do()
	if err != nil {
		return Event{}, g.wrap("get", id, err)
	}
	return g.fromAPI(ev)
}

func (g *GoogleService) Update(ctx context.Context, id string, p Patch) (Event, error) {
	e, err := g.Get(ctx, id)
	if err != nil {
		return Event{}, err
	}
	e = p.Apply(e)
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	patched, err := g.svc.Events.Patch(g.calendarID, id, g.toAPI(e)).Context(ctx).Do()
	if err != nil {
		return Event{}, g.wrap("update", id, err)
	}
	return g.fromAPI(patched)
}

func (g *GoogleService) Delete(ctx context.Context, id string) error {
	if err := g.svc.Events.Delete(g.calendarID, id).Context(ctx).Do(); err != nil {
		return g.wrap("delete", id, err)
	}
	return nil
}

func (g *GoogleService) wrap(op, id string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return fmt.Errorf("calendar %s: %w", op, err)
}

func (g *GoogleService) toAPI(e Event) *gcal.Event {
	ev := &gcal.Event{Summary: e.Title, Description: e.Description}
	if e.AllDay {
		ev.Start = &gcal.EventDateTime{Date: e.Start.Format(DateLayout)}
		ev.End = &gcal.EventDateTime{Date: e.End.Format(DateLayout)}
		return ev
	}
	ev.Start = &gcal.EventDateTime{DateTime: e.Start.Format(time.RFC3339), TimeZone: g.loc.String()}
	ev.End = &gcal.EventDateTime{DateTime: e.End.Format(time.RFC3339), TimeZone: g.loc.String()}
	return ev
}

func (g *GoogleService) fromAPI(ev *gcal.Event) (Event, error) {
	e := Event{ID: ev.Id, Title: ev.Summary, Description: ev.Description}
	var err error
	if e.Start, e.AllDay, err = g.parseTime(ev.Start); err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", ev.Id, err)
	}
	if e.End, _, err = g.parseTime(ev.End); err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", ev.Id, err)
	}
	return e, nil
}

func (g *GoogleService) parseTime(dt *gcal.EventDateTime) (time.Time, bool, error) {
	switch {
	case dt == nil:
		return time.Time{}, false, errors.New("missing time")
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t.In(g.loc), false, err
	default:
		t, err := time.ParseInLocation(DateLayout, dt.Date, g.loc)
		return t, true, err
	}
}

// Ensure GoogleService implements Service.
var _ Service = (*GoogleService)(nil)
