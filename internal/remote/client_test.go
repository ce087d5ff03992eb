package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-duet/internal/remote"
)

func TestClient_CallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/execute" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Method string            `json:"method"`
			Args   map[string]string `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Method != "task.execute" || body.Args["text"] != "summarize this" {
			t.Errorf("request body wrong: %+v", body)
		}
		_, _ = w.Write([]byte(`{"result":"a summary"}`))
	}))
	defer srv.Close()

	c := remote.NewClient(nil)
	result, err := c.Call(context.Background(), srv.URL, "task.execute",
		map[string]string{"text": "summarize this"}, 5*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "a summary" {
		t.Fatalf("result: %q", result)
	}
}

func TestClient_RemoteErrorSurfacedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model exploded mid-token"}`))
	}))
	defer srv.Close()

	c := remote.NewClient(nil)
	_, err := c.Call(context.Background(), srv.URL, "task.execute", nil, 5*time.Second)

	var remoteErr *remote.Error
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected *remote.Error, got %T: %v", err, err)
	}
	if remoteErr.Message != "model exploded mid-token" {
		t.Fatalf("remote message mangled: %q", remoteErr.Message)
	}
	if remoteErr.Method != "task.execute" {
		t.Fatalf("method lost: %q", remoteErr.Method)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	// Grab a port nobody is listening on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	c := remote.NewClient(nil)
	_, err = c.Call(context.Background(), addr, "task.execute", nil, 5*time.Second)
	if !errors.Is(err, remote.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := remote.NewClient(nil)
	start := time.Now()
	_, err := c.Call(context.Background(), srv.URL, "task.execute", nil, 100*time.Millisecond)
	if !errors.Is(err, remote.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not enforced promptly")
	}
}

func TestClient_BarePeerAddrGetsScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	c := remote.NewClient(nil)
	result, err := c.Call(context.Background(), addr, "task.execute", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("call with bare host:port: %v", err)
	}
	if result != "ok" {
		t.Fatalf("result: %q", result)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	c := remote.NewClient(nil)
	if !c.HealthCheck(context.Background(), healthy.URL) {
		t.Fatal("healthy peer reported unhealthy")
	}

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()
	if c.HealthCheck(context.Background(), sick.URL) {
		t.Fatal("sick peer reported healthy")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	down := l.Addr().String()
	_ = l.Close()
	if c.HealthCheck(context.Background(), down) {
		t.Fatal("unreachable peer reported healthy")
	}
}
