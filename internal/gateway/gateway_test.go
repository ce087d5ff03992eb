package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-duet/internal/bus"
	"github.com/basket/go-duet/internal/checkpoint"
	"github.com/basket/go-duet/internal/config"
	"github.com/basket/go-duet/internal/coordinator"
	"github.com/basket/go-duet/internal/gateway"
	"github.com/basket/go-duet/internal/persistence"
	"github.com/basket/go-duet/internal/pool"
	"github.com/basket/go-duet/internal/runtime"
)

type funcExecutor func(ctx context.Context, taskID, text string) (string, error)

func (f funcExecutor) Execute(ctx context.Context, taskID, text string) (string, error) {
	return f(ctx, taskID, text)
}

// fakeRuntime keeps an in-memory resident set so the pool endpoints have
// something real to report.
type fakeRuntime struct {
	mu       sync.Mutex
	resident map[string]int
}

func (f *fakeRuntime) ListResidentModels(ctx context.Context) ([]runtime.ResidentModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.ResidentModel, 0, len(f.resident))
	for id, size := range f.resident {
		out = append(out, runtime.ResidentModel{ID: id, SizeMB: size})
	}
	return out, nil
}

func (f *fakeRuntime) LoadModel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resident[id] = 1024
	return nil
}

func (f *fakeRuntime) UnloadModel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resident, id)
	return nil
}

func (f *fakeRuntime) Generate(ctx context.Context, id, prompt string, limits runtime.GenerateLimits) (string, error) {
	return "generated", nil
}

type testEnv struct {
	srv   *httptest.Server
	store *persistence.Store
	bus   *bus.Bus
	coord *coordinator.Coordinator
	token string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "duet.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rt := &fakeRuntime{resident: make(map[string]int)}
	p := pool.New(pool.Config{Runtime: rt, Bus: eventBus, MemoryBudgetMB: 16384, LoadTimeout: 5 * time.Second})
	bindings := []config.RoleBinding{
		{Role: config.RoleInteractive, Model: "small:1b", MemoryMB: 1000, AlwaysResident: true},
		{Role: config.RoleTask, Model: "big:14b", MemoryMB: 9000, AlwaysResident: false},
	}
	if err := p.Initialize(context.Background(), bindings); err != nil {
		t.Fatalf("initialize pool: %v", err)
	}

	cps := checkpoint.New(store)
	exec := funcExecutor(func(ctx context.Context, taskID, text string) (string, error) {
		return "done: " + text, nil
	})
	coord := coordinator.New(coordinator.Config{
		Store:       store,
		Checkpoints: cps,
		Executor:    exec,
		Bus:         eventBus,
	})

	gw, err := gateway.New(gateway.Config{
		Coordinator: coord,
		Store:       store,
		Checkpoints: cps,
		Pool:        p,
		Bus:         eventBus,
		Executor:    exec,
		AuthToken:   token,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { gw.Shutdown(context.Background()) })

	return &testEnv{srv: srv, store: store, bus: eventBus, coord: coord, token: token}
}

func (e *testEnv) request(t *testing.T, method, path string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, buf.Bytes()
}

func TestGateway_SubmitAccepted(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.request(t, http.MethodPost, "/api/tasks", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TaskID == "" {
		t.Fatal("expected a task id")
	}

	// The dispatch completes in the background.
	w := coordinator.NewWaiter(env.bus, env.store)
	task, err := w.WaitForTask(context.Background(), out.TaskID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
}

func TestGateway_SubmitSchemaRejections(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing text", `{}`},
		{"empty text", `{"text":""}`},
		{"wrong type", `{"text":42}`},
		{"unknown field", `{"text":"ok","priority":9}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.request(t, http.MethodPost, "/api/tasks", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
			}
			var out struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(body, &out); err != nil || out.Error == "" {
				t.Fatalf("expected error payload, got %s", body)
			}
		})
	}
}

func TestGateway_AuthRequired(t *testing.T) {
	env := newTestEnv(t, "secret-token")

	// No token.
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	// Wrong token.
	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	// Correct token.
	respOK, _ := env.request(t, http.MethodGet, "/api/tasks", "")
	if respOK.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", respOK.StatusCode)
	}

	// Health stays open for probes.
	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should not require auth, got %d", resp.StatusCode)
	}
}

func TestGateway_TaskLookup(t *testing.T) {
	env := newTestEnv(t, "")

	seed := func(id string) {
		t.Helper()
		_, err := env.store.DB().Exec(
			`INSERT INTO tasks (id, text, status) VALUES (?, 'seeded', 'pending');`, id)
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("abc-111")
	seed("abc-222")

	t.Run("not found", func(t *testing.T) {
		resp, _ := env.request(t, http.MethodGet, "/api/tasks/zzz", "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		resp, body := env.request(t, http.MethodGet, "/api/tasks/abc", "")
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
		var out struct {
			Error   string             `json:"error"`
			Matches []persistence.Task `json:"matches"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Matches) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(out.Matches))
		}
	})

	t.Run("unique prefix", func(t *testing.T) {
		resp, body := env.request(t, http.MethodGet, "/api/tasks/abc-1", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
		}
		var task persistence.Task
		if err := json.Unmarshal(body, &task); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if task.ID != "abc-111" {
			t.Fatalf("wrong task: %s", task.ID)
		}
	})

	t.Run("events subresource", func(t *testing.T) {
		id, err := env.coord.Submit(context.Background(), "with history")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		w := coordinator.NewWaiter(env.bus, env.store)
		if _, err := w.WaitForTask(context.Background(), id, 5*time.Second); err != nil {
			t.Fatalf("wait: %v", err)
		}

		resp, body := env.request(t, http.MethodGet, "/api/tasks/"+id+"/events", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var out struct {
			Events []persistence.TaskEvent `json:"events"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Events) < 3 {
			t.Fatalf("expected full lifecycle history, got %d events", len(out.Events))
		}
	})
}

func TestGateway_ExecuteEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.request(t, http.MethodPost, "/api/execute",
		`{"method":"task.execute","args":{"task_id":"t1","text":"remote work"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Result != "done: remote work" || out.Error != "" {
		t.Fatalf("unexpected response: %+v", out)
	}

	resp, body = env.request(t, http.MethodPost, "/api/execute", `{"method":"task.cancel","args":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown method, got %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &out); err != nil || !strings.Contains(out.Error, "unknown method") {
		t.Fatalf("expected unknown method error, got %s", body)
	}
}

func TestGateway_ExecuteErrorsAreVerbatim(t *testing.T) {
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "duet.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	gw, err := gateway.New(gateway.Config{
		Store: store,
		Bus:   eventBus,
		Executor: funcExecutor(func(ctx context.Context, taskID, text string) (string, error) {
			return "", errors.New("model melted")
		}),
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/execute", "application/json",
		strings.NewReader(`{"method":"task.execute","args":{"text":"boom"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error != "model melted" {
		t.Fatalf("executor error must pass through verbatim: %q", out.Error)
	}
}

func TestGateway_ModelsAndResidency(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.request(t, http.MethodGet, "/api/models", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("models: expected 200, got %d", resp.StatusCode)
	}
	var models struct {
		Workers []struct {
			Role           string `json:"role"`
			Resident       bool   `json:"resident"`
			AlwaysResident bool   `json:"always_resident"`
		} `json:"workers"`
	}
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(models.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(models.Workers))
	}
	for _, worker := range models.Workers {
		if worker.Role == config.RoleInteractive && !worker.Resident {
			t.Fatal("interactive worker should be resident")
		}
	}

	resp, body = env.request(t, http.MethodGet, "/api/residency", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("residency: expected 200, got %d", resp.StatusCode)
	}
	var report struct {
		OK      bool `json:"ok"`
		Checked int  `json:"checked"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode residency: %v", err)
	}
	if !report.OK || report.Checked != 1 {
		t.Fatalf("unexpected report: %s", body)
	}
}

func TestGateway_StatsCounts(t *testing.T) {
	env := newTestEnv(t, "")

	id, err := env.coord.Submit(context.Background(), "count me")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	w := coordinator.NewWaiter(env.bus, env.store)
	if _, err := w.WaitForTask(context.Background(), id, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	resp, body := env.request(t, http.MethodGet, "/api/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var stats struct {
		Completed int `json:"completed"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("expected 1 completed, got %d", stats.Completed)
	}
}

func TestGateway_WebSocketStreamsTaskEvents(t *testing.T) {
	env := newTestEnv(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?topic=task."
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The handshake returns before the server attaches its bus subscription.
	time.Sleep(100 * time.Millisecond)

	id, err := env.coord.Submit(ctx, "stream my lifecycle")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The submitted event must arrive on the stream.
	for {
		var ev struct {
			Topic   string          `json:"topic"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read ws event: %v", err)
		}
		if !strings.HasPrefix(ev.Topic, "task.") {
			t.Fatalf("topic filter leaked %s", ev.Topic)
		}
		if ev.Topic == bus.TopicTaskSubmitted && strings.Contains(string(ev.Payload), id) {
			return
		}
	}
}
