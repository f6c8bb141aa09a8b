package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/cwpaudit/internal/auditclient"
)

const apiPayload = "processes,cryptominer,web,nginx,node-a,m,r1,alert,,2024-05-01,T1\n" +
	"network,shell,db,postgres,node-a,m,r2,block,,2024-05-01,T2\n"

func fakeAuditService(t *testing.T, authStatus int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/authenticate", func(w http.ResponseWriter, r *http.Request) {
		if authStatus != http.StatusOK {
			w.WriteHeader(authStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})
	mux.HandleFunc("/api/v1/audits/runtime/container/download", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" || r.URL.Query().Get("limit") != "2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(apiPayload))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &downloads
}

func TestRun_DownloadsAndCounts(t *testing.T) {
	isolateEnv(t)
	srv, _ := fakeAuditService(t, http.StatusOK)
	t.Setenv("TL_URL", srv.URL)
	t.Setenv("PC_IDENTITY", "id")
	t.Setenv("PC_SECRET", "secret")

	cfg, err := loadConfig("", map[string]string{"limit": "2", "keys": "Hostname,Effect"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	var out bytes.Buffer
	if err := run(cfg, zap.NewNop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	for _, want := range []string{"Hostname", "node-a", "Effect", "alert", "block"} {
		if !strings.Contains(text, want) {
			t.Errorf("text output missing %q:\n%s", want, text)
		}
	}
}

func TestRun_FetchModePrintsPayload(t *testing.T) {
	isolateEnv(t)
	srv, _ := fakeAuditService(t, http.StatusOK)
	t.Setenv("TL_URL", srv.URL)
	t.Setenv("PC_IDENTITY", "id")
	t.Setenv("PC_SECRET", "secret")

	cfg, err := loadConfig("", map[string]string{"limit": "2", "mode": "fetch"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	var out bytes.Buffer
	if err := run(cfg, zap.NewNop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != apiPayload {
		t.Errorf("fetch output = %q", out.String())
	}
}

func TestRun_AuthFailureStopsBeforeFetch(t *testing.T) {
	isolateEnv(t)
	srv, downloads := fakeAuditService(t, http.StatusUnauthorized)
	t.Setenv("TL_URL", srv.URL)
	t.Setenv("PC_IDENTITY", "id")
	t.Setenv("PC_SECRET", "wrong")

	cfg, err := loadConfig("", nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	var out bytes.Buffer
	err = run(cfg, zap.NewNop(), &out)

	var authErr *auditclient.AuthenticationError
	if !errors.As(err, &authErr) || authErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want AuthenticationError 401", err)
	}
	if downloads.Load() != 0 {
		t.Error("download attempted after failed authentication")
	}
	if out.Len() != 0 {
		t.Errorf("output on failure: %q", out.String())
	}
}

// flakyAuditService serves apiPayload once and answers 500 to every later
// download.
func flakyAuditService(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/authenticate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})
	mux.HandleFunc("/api/v1/audits/runtime/container/download", func(w http.ResponseWriter, r *http.Request) {
		if downloads.Add(1) > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(apiPayload))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &downloads
}

// syncBuffer is written by the serve loop while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func serveConfig(t *testing.T, baseURL string) appConfig {
	t.Helper()
	t.Setenv("TL_URL", baseURL)
	t.Setenv("PC_IDENTITY", "id")
	t.Setenv("PC_SECRET", "secret")

	cfg, err := loadConfig("", map[string]string{
		"limit":                "2",
		"api-enabled":          "true",
		"api-addr":             "127.0.0.1:0",
		"api-refresh-interval": "20ms",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	return cfg
}

var bannerAddr = regexp.MustCompile(`http://(127\.0\.0\.1:\d+)/metrics`)

// startServe runs serve mode in the background and returns the bound API
// address once the startup banner is printed.
func startServe(t *testing.T, cfg appConfig) (string, *syncBuffer, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	errc := make(chan error, 1)
	go func() { errc <- runContext(ctx, cfg, zap.NewNop(), out) }()
	t.Cleanup(cancel)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m := bannerAddr.FindStringSubmatch(out.String()); m != nil {
			return m[1], out, cancel, errc
		}
		select {
		case err := <-errc:
			t.Fatalf("serve exited before listening: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatalf("serve never printed its address:\n%s", out.String())
	return "", nil, nil, nil
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, body
}

func TestServe_FirstRunAuthFailureReturnsError(t *testing.T) {
	isolateEnv(t)
	srv, downloads := fakeAuditService(t, http.StatusForbidden)
	cfg := serveConfig(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out := &syncBuffer{}
	err := runContext(ctx, cfg, zap.NewNop(), out)

	var authErr *auditclient.AuthenticationError
	if !errors.As(err, &authErr) || authErr.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v, want AuthenticationError 403", err)
	}
	if ctx.Err() != nil {
		t.Fatal("serve did not return on its own after the failed first run")
	}
	if downloads.Load() != 0 {
		t.Error("download attempted after failed authentication")
	}
	if strings.Contains(out.String(), "http://") {
		t.Errorf("API announced after a failed first run:\n%s", out.String())
	}
}

func TestServe_RefreshFailureKeepsSnapshot(t *testing.T) {
	isolateEnv(t)
	srv, downloads := flakyAuditService(t)
	addr, _, _, _ := startServe(t, serveConfig(t, srv.URL))

	status, first := getJSON(t, "http://"+addr+"/api/counts")
	if status != http.StatusOK {
		t.Fatalf("counts status = %d, body %v", status, first)
	}
	if first["records"] != float64(2) {
		t.Fatalf("records = %v, want 2", first["records"])
	}

	deadline := time.Now().Add(5 * time.Second)
	for downloads.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled refresh ran %d downloads, want at least 3", downloads.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, later := getJSON(t, "http://"+addr+"/api/counts")
	if status != http.StatusOK {
		t.Fatalf("counts status after failed refresh = %d", status)
	}
	if later["fetch_id"] != first["fetch_id"] || later["records"] != float64(2) {
		t.Errorf("snapshot changed after failed refreshes: first %v, later %v", first, later)
	}
}

func TestServe_MetricsAndShutdown(t *testing.T) {
	isolateEnv(t)
	srv, _ := fakeAuditService(t, http.StatusOK)
	addr, out, cancel, errc := startServe(t, serveConfig(t, srv.URL))

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(body.String(), "cwpaudit_pipeline_runs_total") {
		t.Errorf("metrics missing pipeline collectors:\n%s", body.String())
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	if !strings.Contains(out.String(), "Shutting down") {
		t.Errorf("missing shutdown notice:\n%s", out.String())
	}
	if resp, err := http.Get("http://" + addr + "/api/health"); err == nil {
		resp.Body.Close()
		t.Error("API still answering after shutdown")
	}
}
