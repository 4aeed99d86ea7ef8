package calendar

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// DefaultCalendarID is the authenticated account's own calendar.
const DefaultCalendarID = "primary"

// Reminder offsets applied to every created event.
const (
	EmailReminderMinutes = 24 * 60
	PopupReminderMinutes = 30
)

const serviceName = "google_calendar"

var eventIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// GoogleProvider creates events through the Google Calendar v3 API.
type GoogleProvider struct {
	svc        *gcal.Service
	calendarID string
	timeZone   string
}

// GoogleOption configures a GoogleProvider.
type GoogleOption func(*GoogleProvider)

// WithCalendarID selects the calendar events are written to.
func WithCalendarID(id string) GoogleOption {
	return func(p *GoogleProvider) {
		if id != "" {
			p.calendarID = id
		}
	}
}

// WithTimeZone sets the IANA zone attached to event start and end times.
func WithTimeZone(tz string) GoogleOption {
	return func(p *GoogleProvider) { p.timeZone = tz }
}

// NewGoogleProvider builds the API client. clientOpts carry credentials or, in tests, an endpoint.
func NewGoogleProvider(ctx context.Context, clientOpts []option.ClientOption, opts ...GoogleOption) (*GoogleProvider, error) {
	svc, err := gcal.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	p := &GoogleProvider{svc: svc, calendarID: DefaultCalendarID}
	for _, opt := range opts {
		opt(p)
	}
	slog.Debug("GoogleProvider created", "calendarID", p.calendarID, "timeZone", p.timeZone)
	return p, nil
}

// EventID derives a valid Google event id (base32hex alphabet, lower case) from key.
func EventID(key string) string {
	return strings.ToLower(eventIDEncoding.EncodeToString([]byte(key)))
}

// CreateEvent inserts the event with a deterministic id. A 409 means an earlier
// attempt already created it, so the existing event is returned instead.
func (p *GoogleProvider) CreateEvent(ctx context.Context, req EventRequest) (*models.CalendarEventRef, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("create event: idempotency key is required")
	}
	id := EventID(req.IdempotencyKey)

	ev := &gcal.Event{
		Id:          id,
		Summary:     req.Title,
		Location:    req.Location,
		Description: req.Description,
		Start:       &gcal.EventDateTime{DateTime: req.Start.Format(time.RFC3339), TimeZone: p.timeZone},
		End:         &gcal.EventDateTime{DateTime: req.End.Format(time.RFC3339), TimeZone: p.timeZone},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: EmailReminderMinutes},
				{Method: "popup", Minutes: PopupReminderMinutes},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	for _, a := range req.Attendees {
		ev.Attendees = append(ev.Attendees, &gcal.EventAttendee{Email: a})
	}

	created, err := p.svc.Events.Insert(p.calendarID, ev).SendUpdates("all").Context(ctx).Do()
	if err == nil {
		slog.Debug("GoogleProvider.CreateEvent: inserted", "eventID", created.Id)
		return &models.CalendarEventRef{EventID: created.Id, ShareURL: created.HtmlLink}, nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		existing, getErr := p.svc.Events.Get(p.calendarID, id).Context(ctx).Do()
		if getErr != nil {
			return nil, models.NewExternalError(serviceName, "events.get", getErr)
		}
		slog.Info("GoogleProvider.CreateEvent: event already existed", "eventID", existing.Id)
		return &models.CalendarEventRef{EventID: existing.Id, ShareURL: existing.HtmlLink}, nil
	}
	return nil, models.NewExternalError(serviceName, "events.insert", err)
}

// BusyAttendees queries free/busy for each attendee and returns those with any busy period.
func (p *GoogleProvider) BusyAttendees(ctx context.Context, attendees []string, start, end time.Time) ([]string, error) {
	req := &gcal.FreeBusyRequest{
		TimeMin:  start.Format(time.RFC3339),
		TimeMax:  end.Format(time.RFC3339),
		TimeZone: p.timeZone,
	}
	for _, a := range attendees {
		req.Items = append(req.Items, &gcal.FreeBusyRequestItem{Id: a})
	}
	resp, err := p.svc.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return nil, models.NewExternalError(serviceName, "freebusy.query", err)
	}
	var busy []string
	for id, cal := range resp.Calendars {
		if len(cal.Busy) > 0 {
			busy = append(busy, id)
		}
	}
	sort.Strings(busy)
	return busy, nil
}

var (
	_ Provider             = (*GoogleProvider)(nil)
	_ AvailabilityProvider = (*GoogleProvider)(nil)
)
