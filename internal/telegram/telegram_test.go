package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edgecam/internal/control"
	"edgecam/internal/database"
)

// fakeAPI records Bot API calls and serves queued updates
type fakeAPI struct {
	mu       sync.Mutex
	messages []string
	photos   []string
	updates  []Update
	fail     bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.fail {
			_ = json.NewEncoder(w).Encode(Response{OK: false, ErrorCode: 400, Description: "Bad Request: chat not found"})
			return
		}

		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.messages = append(f.messages, body["text"].(string))
		case strings.HasSuffix(r.URL.Path, "/sendPhoto"):
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			f.photos = append(f.photos, r.FormValue("caption"))
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			result, _ := json.Marshal(f.updates)
			f.updates = nil
			_ = json.NewEncoder(w).Encode(Response{OK: true, Result: result})
			return
		}
		_ = json.NewEncoder(w).Encode(Response{OK: true, Result: json.RawMessage(`true`)})
	})
}

func newTestBot(t *testing.T, api *fakeAPI, cooldown time.Duration) *Bot {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	bot, err := NewBot(Config{BotToken: "123:abc", ChatID: "42", Cooldown: cooldown, APIURL: srv.URL})
	require.NoError(t, err)
	return bot
}

func TestValidateConfig(t *testing.T) {
	assert.Error(t, ValidateConfig(Config{ChatID: "1"}))
	assert.Error(t, ValidateConfig(Config{BotToken: "t"}))
	assert.NoError(t, ValidateConfig(Config{BotToken: "t", ChatID: "1"}))
}

func TestSendMessageAPIError(t *testing.T) {
	api := &fakeAPI{fail: true}
	bot := newTestBot(t, api, 0)

	err := bot.SendMessage(context.Background(), "hi")

	assert.ErrorContains(t, err, "chat not found")
}

func TestPhotoSinkCooldown(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bot.now = func() time.Time { return now }

	local := filepath.Join(t.TempDir(), "camera.jpg")
	require.NoError(t, os.WriteFile(local, []byte("jpeg"), 0o644))
	sink := NewPhotoSink(bot, zaptest.NewLogger(t).Sugar())

	require.NoError(t, sink.UploadTagged(context.Background(), local, "a/070809.jpg", map[string]string{"dog": "1", "cat": "0"}))
	// suppressed, not an error
	require.NoError(t, sink.Upload(context.Background(), local, "b.jpg"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, sink.Upload(context.Background(), local, "c.jpg"))

	assert.Equal(t, []string{"a/070809.jpg\ncat: 0, dog: 1", "c.jpg"}, api.photos)
}

type fakeController struct {
	started, stopped int
	busy             bool
	desired          control.DesiredState
	applyErr         error
}

func (f *fakeController) StartTimer() error { f.started++; return nil }
func (f *fakeController) StopTimer() error  { f.stopped++; return nil }
func (f *fakeController) RunNow() bool      { return !f.busy }
func (f *fakeController) ApplyDesiredState(d control.DesiredState) (control.ReportedState, error) {
	f.desired = d
	if f.applyErr != nil {
		return control.ReportedState{}, f.applyErr
	}
	rep := control.ReportedState{Due: "10s", Period: "1m0s"}
	if d.Due != nil {
		rep.Due = *d.Due
	}
	if d.Period != nil {
		rep.Period = *d.Period
	}
	return rep, nil
}
func (f *fakeController) Status() control.Status {
	return control.Status{Running: true, Due: "10s", Period: "1m0s", Cycles: 3, LastError: "capture: <timeout>"}
}

type fakeHistory struct{ recs []database.CycleRecord }

func (f fakeHistory) RecentCycles(ctx context.Context, limit int) ([]database.CycleRecord, error) {
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func TestHandleCommands(t *testing.T) {
	ctrl := &fakeController{}
	history := fakeHistory{recs: []database.CycleRecord{
		{StartedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), DurationMs: 900, Interesting: true, Tally: map[string]int{"cow": 2}},
		{StartedAt: time.Date(2024, 1, 1, 9, 59, 0, 0, time.UTC), DurationMs: 100, Stage: "capture", Error: "boom"},
	}}
	ch := NewCommandHandler(nil, ctrl, history, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	assert.Equal(t, "Timer started", ch.Handle(ctx, "/timer_start"))
	assert.Equal(t, "Timer stopped", ch.Handle(ctx, "/timer_stop@edgecam_bot"))
	assert.Equal(t, 1, ctrl.started)
	assert.Equal(t, 1, ctrl.stopped)

	assert.Equal(t, "Cycle started", ch.Handle(ctx, "/run"))
	ctrl.busy = true
	assert.Equal(t, "A cycle is already running", ch.Handle(ctx, "/run"))

	assert.Equal(t, "Schedule applied: due 10s, period 5m", ch.Handle(ctx, "/schedule - 5m"))
	assert.Nil(t, ctrl.desired.Due)

	ctrl.applyErr = errors.New("invalid due")
	assert.Contains(t, ch.Handle(ctx, "/schedule -1s"), "Schedule rejected")

	status := ch.Handle(ctx, "/status")
	assert.Contains(t, status, "running")
	assert.Contains(t, status, "capture: &lt;timeout&gt;")

	cycles := ch.Handle(ctx, "/cycles 10")
	assert.Contains(t, cycles, "2024-01-01 10:00:00 900ms interesting, 2 objects")
	assert.Contains(t, cycles, "failed (capture)")

	assert.Contains(t, ch.Handle(ctx, "/bogus"), "Unknown command")
	assert.Equal(t, "", ch.Handle(ctx, "hello"))
}

func TestPollIgnoresUnauthorizedChat(t *testing.T) {
	api := &fakeAPI{updates: []Update{
		{UpdateID: 7, Message: &Message{Chat: &Chat{ID: 99}, Text: "/timer_start"}},
		{UpdateID: 8, Message: &Message{Chat: &Chat{ID: 42}, Text: "/timer_stop"}},
	}}
	bot := newTestBot(t, api, 0)
	ctrl := &fakeController{}
	ch := NewCommandHandler(bot, ctrl, nil, zaptest.NewLogger(t).Sugar())
	ch.pollTimeout = 0

	require.NoError(t, ch.poll(context.Background()))

	assert.Equal(t, 0, ctrl.started)
	assert.Equal(t, 1, ctrl.stopped)
	assert.Equal(t, int64(8), ch.lastUpdateID)
	assert.Equal(t, []string{"Timer stopped"}, api.messages)
}
