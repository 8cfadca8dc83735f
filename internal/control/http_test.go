package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	goahttp "goa.design/goa/v3/http"

	"edgecam/internal/auth"
	"edgecam/internal/database"
)

type fakeHistory struct {
	records []database.CycleRecord
	limit   int
	err     error
}

func (h *fakeHistory) RecentCycles(ctx context.Context, limit int) ([]database.CycleRecord, error) {
	h.limit = limit
	return h.records, h.err
}

func newTestAPI(t *testing.T, s *fakeScheduler, a *auth.Authenticator, h CycleHistory) http.Handler {
	t.Helper()
	mux := goahttp.NewMuxer()
	srv := NewHTTPServer(newRemote(t, s), a, h, zaptest.NewLogger(t).Sugar())
	srv.Mount(mux)
	assert.NotEmpty(t, srv.Mounts)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPTimerRoutes(t *testing.T) {
	s := newFakeScheduler(time.Second, time.Minute)
	api := newTestAPI(t, s, nil, nil)

	rec := do(t, api, http.MethodPost, "/api/v1/timer/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.State().Running)

	rec = do(t, api, http.MethodPost, "/api/v1/timer/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.State().Running)

	rec = do(t, api, http.MethodPost, "/api/v1/timer/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, s.triggers)
}

func TestHTTPSchedule(t *testing.T) {
	s := newFakeScheduler(time.Second, time.Minute)
	api := newTestAPI(t, s, nil, nil)

	rec := do(t, api, http.MethodPut, "/api/v1/schedule", `{"period":"10s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"due":"1s","period":"10s"}`, rec.Body.String())

	rec = do(t, api, http.MethodPut, "/api/v1/schedule", `{"due":"-1s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "due")
}

func TestHTTPCommand(t *testing.T) {
	s := newFakeScheduler(time.Second, time.Minute)
	api := newTestAPI(t, s, nil, nil)

	rec := do(t, api, http.MethodPost, "/api/v1/commands/TimerStart", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.State().Running)

	rec = do(t, api, http.MethodPost, "/api/v1/commands/Nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPStatus(t *testing.T) {
	api := newTestAPI(t, newFakeScheduler(time.Second, time.Minute), nil, nil)

	rec := do(t, api, http.MethodGet, "/api/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "1s", st.Due)
}

func TestHTTPCycles(t *testing.T) {
	history := &fakeHistory{records: []database.CycleRecord{{ID: "c1", Interesting: true}}}
	api := newTestAPI(t, newFakeScheduler(time.Second, time.Minute), nil, history)

	rec := do(t, api, http.MethodGet, "/api/v1/cycles?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.limit)
	assert.Contains(t, rec.Body.String(), `"c1"`)

	rec = do(t, api, http.MethodGet, "/api/v1/cycles?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	history.err = errors.New("db locked")
	rec = do(t, api, http.MethodGet, "/api/v1/cycles", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 50, history.limit)
}

func TestHTTPLogin(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{Enabled: true, Password: "pw", Secret: "k"})
	require.NoError(t, err)
	api := newTestAPI(t, newFakeScheduler(time.Second, time.Minute), a, nil)

	rec := do(t, api, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	rec = do(t, api, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPLoginDisabled(t *testing.T) {
	api := newTestAPI(t, newFakeScheduler(time.Second, time.Minute), nil, nil)

	rec := do(t, api, http.MethodPost, "/api/v1/auth/login", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
