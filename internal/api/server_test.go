package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wipeworks/wiped/internal/api"
	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/service"
	"github.com/wipeworks/wiped/internal/store"
)

func newServer(t *testing.T, script string, keepalive time.Duration) *httptest.Server {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "wiped.db"))
	require.NoError(t, err)

	jobs := model.Jobs{
		Wipe: model.JobConfig{Command: model.CommandConfig{Path: sh, Args: []string{"-c", script}}},
		FactoryReset: model.JobConfig{Command: model.CommandConfig{
			Path:  sh,
			Args:  []string{"-c", "read pw; read y; " + script},
			Stdin: []string{"y"},
		}},
	}
	sup := service.NewSupervisor(jobs, st)
	t.Cleanup(func() {
		sup.Close(context.Background())
		require.NoError(t, st.Close())
	})

	srv := httptest.NewServer(api.NewServer(sup, keepalive))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, http.Header, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, string(b)
}

const succeeding = `read pw; echo PROGRESS:10; echo 'CERTIFICATE:{"status":"SUCCEEDED"}'`

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := newServer(t, succeeding, 0)

	status, _, body := do(t, http.MethodGet, srv.URL+"/api/health", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body)

	status, _, body = do(t, http.MethodGet, srv.URL+"/api/test", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Backend alive!", body)
}

func TestJobs(t *testing.T) {
	t.Parallel()
	srv := newServer(t, succeeding, 0)

	status, _, body := do(t, http.MethodGet, srv.URL+"/api/jobs/current", "")
	require.Equal(t, http.StatusNotFound, status)
	require.JSONEq(t, `{"error":"no job found"}`, body)

	status, _, body = do(t, http.MethodGet, srv.URL+"/api/jobs/current/events", "")
	require.Equal(t, http.StatusNotFound, status, body)

	var tests = []struct {
		scenario string
		given    string
	}{
		{"not json", `{`},
		{"unknown kind", `{"kind":"format","secret":"pw"}`},
		{"unknown method", `{"kind":"wipe","target":"/dev/sdz","method":"shred","secret":"pw"}`},
		{"missing secret", `{"kind":"wipe","target":"/dev/sdz","method":"zero"}`},
		{"factory reset with target", `{"kind":"factory-reset","target":"/dev/sdz","secret":"pw"}`},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			status, _, body := do(t, http.MethodPost, srv.URL+"/api/jobs", tt.given)
			require.Equal(t, http.StatusBadRequest, status, body)
		})
	}

	const submit = `{"kind":"wipe","target":"/dev/sdz","method":"random","secret":"pw"}`
	status, hdr, body := do(t, http.MethodPost, srv.URL+"/api/jobs", submit)
	require.Equal(t, http.StatusAccepted, status, body)
	require.Equal(t, "/api/jobs/current", hdr.Get("Location"))
	require.NotContains(t, body, `"pw"`)
	var rec model.JobRecord
	require.NoError(t, json.Unmarshal([]byte(body), &rec))
	require.Equal(t, model.JobStatusQueued, rec.Status)
	require.Equal(t, model.WipeMethodRandom, rec.Method)

	status, _, body = do(t, http.MethodPost, srv.URL+"/api/jobs", submit)
	require.Equal(t, http.StatusConflict, status)
	require.JSONEq(t, `{"error":"a job is already in progress"}`, body)

	status, hdr, body = do(t, http.MethodGet, srv.URL+"/api/jobs/current/events", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "text/event-stream", hdr.Get("Content-Type"))
	require.Equal(t, "no-cache", hdr.Get("Cache-Control"))
	require.Equal(t,
		"event: progress\ndata: 10\n\n"+
			"event: progress\ndata: 100\n\n"+
			"event: done\ndata: {\"status\":\"SUCCEEDED\"}\n\n",
		body)

	status, _, _ = do(t, http.MethodGet, srv.URL+"/api/jobs/current", "")
	require.Equal(t, http.StatusNotFound, status)

	status, _, body = do(t, http.MethodGet, srv.URL+"/api/certificates/wipe", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"SUCCEEDED"}`, body)

	status, _, _ = do(t, http.MethodGet, srv.URL+"/api/certificates/FACTORY_RESET", "")
	require.Equal(t, http.StatusNotFound, status)
	status, _, _ = do(t, http.MethodGet, srv.URL+"/api/certificates/format", "")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestKeepalive(t *testing.T) {
	t.Parallel()
	srv := newServer(t, `read pw; sleep 0.3; echo PROGRESS:60`, 20*time.Millisecond)

	status, _, _ := do(t, http.MethodPost, srv.URL+"/api/jobs", `{"kind":"WIPE","target":"/dev/sdz","method":"ZERO","secret":"pw"}`)
	require.Equal(t, http.StatusAccepted, status)

	status, _, body := do(t, http.MethodGet, srv.URL+"/api/jobs/current/events", "")
	require.Equal(t, http.StatusOK, status)
	require.True(t, strings.HasPrefix(body, ": keepalive\n\n"), body)
	require.Contains(t, body, "event: progress\ndata: 60\n\n")
	require.True(t, strings.HasSuffix(body, "event: done\ndata: {\"status\":\"UNKNOWN\"}\n\n"), body)
}

func TestLegacy(t *testing.T) {
	t.Parallel()
	srv := newServer(t, succeeding, 0)

	status, _, body := do(t, http.MethodPost, srv.URL+"/api/wipe", `{"device":"/dev/sdz"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.JSONEq(t, `{"error":"Missing fields"}`, body)

	status, _, body = do(t, http.MethodPost, srv.URL+"/api/factory-reset", `{}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.JSONEq(t, `{"error":"Missing sudoPassword"}`, body)

	status, _, body = do(t, http.MethodGet, srv.URL+"/api/wipe-progress", "")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "No wipe running", body)

	status, _, body = do(t, http.MethodPost, srv.URL+"/api/factory-reset", `{"sudoPassword":"pw"}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"message":"Factory reset queued"}`, body)

	status, _, _ = do(t, http.MethodPost, srv.URL+"/api/wipe", `{"device":"/dev/sdz","method":"zero","sudoPassword":"pw"}`)
	require.Equal(t, http.StatusConflict, status)

	status, _, body = do(t, http.MethodGet, srv.URL+"/api/wipe-progress", "")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "No wipe running", body)

	status, _, body = do(t, http.MethodGet, srv.URL+"/api/factory-progress", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t,
		"data: 10\n\n"+
			"data: 100\n\n"+
			"event: done\ndata: {\"status\":\"SUCCEEDED\"}\n\n",
		body)

	status, _, body = do(t, http.MethodPost, srv.URL+"/api/wipe", `{"device":"/dev/sdz","method":"random","sudoPassword":"pw"}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"message":"Wipe queued"}`, body)
	status, _, body = do(t, http.MethodGet, srv.URL+"/api/wipe-progress", "")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "event: done\n")
}
