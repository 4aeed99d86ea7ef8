package calendar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

type fakeCalendarAPI struct {
	mu       sync.Mutex
	events   map[string]map[string]any
	inserts  int
	lastBody map[string]any
	lastQS   string
	failWith int
}

func (f *fakeCalendarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/calendars/primary/events"):
		f.inserts++
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			_, _ = io.WriteString(w, `{"error":{"code":400,"message":"bad request"}}`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var ev map[string]any
		_ = json.Unmarshal(body, &ev)
		f.lastBody = ev
		f.lastQS = r.URL.RawQuery
		id, _ := ev["id"].(string)
		if _, exists := f.events[id]; exists {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":{"code":409,"message":"The requested identifier already exists."}}`)
			return
		}
		ev["htmlLink"] = "https://calendar.example/event?eid=" + id
		f.events[id] = ev
		_ = json.NewEncoder(w).Encode(ev)
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/calendars/primary/events/"):
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		ev, ok := f.events[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(ev)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/freeBusy"):
		_, _ = io.WriteString(w, `{"calendars":{
			"busy@example.com":{"busy":[{"start":"2025-12-05T05:00:00Z","end":"2025-12-05T06:00:00Z"}]},
			"free@example.com":{"busy":[]}}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newGoogleProvider(t *testing.T) (*GoogleProvider, *fakeCalendarAPI) {
	t.Helper()
	api := &fakeCalendarAPI{events: map[string]map[string]any{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	p, err := NewGoogleProvider(context.Background(),
		[]option.ClientOption{option.WithEndpoint(srv.URL + "/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client())},
		WithTimeZone("Asia/Tokyo"))
	require.NoError(t, err)
	return p, api
}

func sampleRequest() EventRequest {
	start := time.Date(2025, 12, 5, 14, 0, 0, 0, time.FixedZone("JST", 9*3600))
	return EventRequest{
		Title:          "Docker study session",
		Start:          start,
		End:            start.Add(2 * time.Hour),
		Location:       "https://meet.example.com/docker",
		Attendees:      []string{"a@example.com", "b@example.com"},
		IdempotencyKey: "5f0e7c1a-2b1d-4c4e-9a55-0d6c6c1f2e11",
	}
}

func TestEventIDIsDeterministicBase32Hex(t *testing.T) {
	id := EventID("5f0e7c1a-2b1d-4c4e-9a55-0d6c6c1f2e11")
	assert.Equal(t, id, EventID("5f0e7c1a-2b1d-4c4e-9a55-0d6c6c1f2e11"))
	assert.NotEqual(t, id, EventID("another-workflow"))
	assert.GreaterOrEqual(t, len(id), 5)
	for _, r := range id {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'v'), "invalid rune %q", r)
	}
}

func TestGoogleCreateEvent(t *testing.T) {
	p, api := newGoogleProvider(t)

	ref, err := p.CreateEvent(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, EventID(sampleRequest().IdempotencyKey), ref.EventID)
	assert.Contains(t, ref.ShareURL, ref.EventID)

	assert.Contains(t, api.lastQS, "sendUpdates=all")
	assert.Equal(t, "Docker study session", api.lastBody["summary"])
	start := api.lastBody["start"].(map[string]any)
	assert.Equal(t, "2025-12-05T14:00:00+09:00", start["dateTime"])
	assert.Equal(t, "Asia/Tokyo", start["timeZone"])
	end := api.lastBody["end"].(map[string]any)
	assert.Equal(t, "2025-12-05T16:00:00+09:00", end["dateTime"])

	reminders := api.lastBody["reminders"].(map[string]any)
	assert.Equal(t, false, reminders["useDefault"])
	assert.Len(t, reminders["overrides"], 2)
	assert.Len(t, api.lastBody["attendees"], 2)
}

func TestGoogleCreateEventConflictReturnsExisting(t *testing.T) {
	p, api := newGoogleProvider(t)
	ctx := context.Background()

	first, err := p.CreateEvent(ctx, sampleRequest())
	require.NoError(t, err)
	second, err := p.CreateEvent(ctx, sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, 2, api.inserts)
	assert.Len(t, api.events, 1)
}

func TestGoogleCreateEventFailureIsExternal(t *testing.T) {
	p, api := newGoogleProvider(t)
	api.failWith = http.StatusBadRequest

	_, err := p.CreateEvent(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExternalDependency)
}

func TestGoogleBusyAttendees(t *testing.T) {
	p, _ := newGoogleProvider(t)
	req := sampleRequest()

	busy, err := p.BusyAttendees(context.Background(), []string{"busy@example.com", "free@example.com"}, req.Start, req.End)
	require.NoError(t, err)
	assert.Equal(t, []string{"busy@example.com"}, busy)
}
