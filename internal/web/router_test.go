package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makt28/plugwatch/internal/config"
	"github.com/makt28/plugwatch/internal/monitor"
	"github.com/makt28/plugwatch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeRunner struct {
	calls  atomic.Int32
	res    monitor.CycleResult
	err    error
	report *monitor.Report
}

func (f *fakeRunner) RunCycle(ctx context.Context) (monitor.CycleResult, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return monitor.CycleResult{}, errors.New("no deadline")
	}
	return f.res, f.err
}

func (f *fakeRunner) LastReport() *monitor.Report { return f.report }

func newServer(t *testing.T, d Deps) *httptest.Server {
	t.Helper()
	if d.CycleTimeout == 0 {
		d.CycleTimeout = time.Second
	}
	srv := httptest.NewServer(NewRouter(d))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	runner := &fakeRunner{report: &monitor.Report{Error: "tuya: acquire credential: boom"}}
	srv := newServer(t, Deps{Runner: runner})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, version, body["version"])
	assert.Contains(t, body, "last_cycle")
}

func TestCheck_ReturnsCycleResult(t *testing.T) {
	runner := &fakeRunner{res: monitor.CycleResult{RunID: "r1", Outcome: monitor.OutcomeTransition, State: storage.StateOnline}}
	srv := newServer(t, Deps{Runner: runner})

	resp, err := http.Get(srv.URL + "/check")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got monitor.CycleResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, monitor.OutcomeTransition, got.Outcome)
}

func TestCheck_CycleFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("tuya: query device d: code=1 msg=\"x\"")}
	srv := newServer(t, Deps{Runner: runner})

	resp, err := http.Get(srv.URL + "/check")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCheck_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	runner := &fakeRunner{}
	srv := newServer(t, Deps{
		Runner: runner,
		Admin:  config.AdminConfig{Username: "admin", PasswordHash: string(hash)},
	})

	cases := []struct {
		user, pass string
		setAuth    bool
		want       int
	}{
		{setAuth: false, want: http.StatusUnauthorized},
		{user: "admin", pass: "wrong", setAuth: true, want: http.StatusUnauthorized},
		{user: "root", pass: "pw", setAuth: true, want: http.StatusUnauthorized},
		{user: "admin", pass: "pw", setAuth: true, want: http.StatusOK},
	}
	for _, c := range cases {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/check", nil)
		require.NoError(t, err)
		if c.setAuth {
			req.SetBasicAuth(c.user, c.pass)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, c.want, resp.StatusCode, "user=%q pass=%q", c.user, c.pass)
	}
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestBasicAuth_WarnsWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	BasicAuth(config.AdminConfig{Username: "admin"})
	assert.Contains(t, buf.String(), "operator routes are unauthenticated")

	buf.Reset()
	BasicAuth(config.AdminConfig{Username: "admin", PasswordHash: "$2a$04$x"})
	assert.Empty(t, buf.String())
}

func TestWebhook_MountedOnlyForPushSource(t *testing.T) {
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "OK")
	})

	srv := newServer(t, Deps{Runner: &fakeRunner{}, Webhook: hook})
	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(`{"update_id":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv = newServer(t, Deps{Runner: &fakeRunner{}})
	resp, err = http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(`{"update_id":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
