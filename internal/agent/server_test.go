package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RoboFinSystems/robosystems-sub001/internal/config"
	"github.com/RoboFinSystems/robosystems-sub001/internal/lifecycle"
	"github.com/RoboFinSystems/robosystems-sub001/internal/registry"
)

type noopRegistry struct{}

func (noopRegistry) MarkTerminating(ctx context.Context, instanceID string, at time.Time) error {
	return nil
}
func (noopRegistry) MarkTerminated(ctx context.Context, instanceID string, at time.Time) error {
	return nil
}
func (noopRegistry) QueryDatabasesByInstance(ctx context.Context, instanceID string) ([]registry.DatabaseRecord, error) {
	return nil, nil
}
func (noopRegistry) MarkDatabaseForMigration(ctx context.Context, graphID, sourceInstance, backendType string) error {
	return nil
}

type noopEngine struct{}

func (noopEngine) Drain(ctx context.Context) error                    { return nil }
func (noopEngine) SetReadOnly(ctx context.Context) error              { return nil }
func (noopEngine) ActiveConnections(ctx context.Context) (int, error) { return 0, nil }

type noopSnapshots struct{}

func (noopSnapshots) FindDataVolume(ctx context.Context, instanceID string) (string, error) {
	return "", nil
}
func (noopSnapshots) CreateFinalSnapshot(ctx context.Context, volumeID, instanceID, engineType string) (string, error) {
	return "", nil
}

type noopContainers struct{}

func (noopContainers) StopAndRemove(ctx context.Context, grace time.Duration) error { return nil }
func (noopContainers) RemoveComposeProject(ctx context.Context, project string) error {
	return nil
}

type noopHook struct{}

func (noopHook) Complete(ctx context.Context, hookName, asgName, token string) error { return nil }

func newTestServer(terminate func()) (*Server, *lifecycle.Controller) {
	return newTestServerWithEngine(terminate, noopEngine{})
}

func newTestServerWithEngine(terminate func(), eng lifecycle.Engine) (*Server, *lifecycle.Controller) {
	cfg := &config.Config{
		Instance: config.InstanceConfig{ID: "i-1"},
		Engine:   config.EngineConfig{DatabaseType: "kuzu", NodeType: "writer", Port: 8001},
		Lifecycle: config.LifecycleConfig{
			DrainInterval: time.Millisecond,
			DrainTimeout:  5 * time.Millisecond,
		},
	}
	controller := lifecycle.New(lifecycle.Deps{
		Registry:   noopRegistry{},
		Engine:     eng,
		Snapshots:  noopSnapshots{},
		Containers: noopContainers{},
		Hook:       noopHook{},
	}, cfg)
	if terminate == nil {
		terminate = func() {}
	}
	return NewServer(controller, "i-1", terminate), controller
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /status = %d, want 200", w.Code)
	}
	var body struct {
		InstanceID string `json:"instance_id"`
		State      string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if body.InstanceID != "i-1" || body.State != string(lifecycle.StateRunning) {
		t.Errorf("status body = %+v, want i-1 running", body)
	}
}

func TestTerminateEndpoint_TriggersShutdown(t *testing.T) {
	triggered := make(chan struct{}, 1)
	srv, _ := newTestServer(func() { triggered <- struct{}{} })

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/terminate", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /terminate = %d, want 202", w.Code)
	}
	select {
	case <-triggered:
	default:
		t.Fatal("terminate trigger not invoked")
	}
}

func TestTerminateEndpoint_IdempotentOnceStarted(t *testing.T) {
	calls := 0
	srv, controller := newTestServer(func() { calls++ })

	// drive the controller through the protocol so it is no longer running
	controller.Terminate(context.Background())

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/terminate", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /terminate = %d, want 202", w.Code)
	}
	if calls != 0 {
		t.Errorf("terminate trigger invoked %d times after shutdown already ran, want 0", calls)
	}
}

// blockingEngine holds the drain step open until released, keeping the
// controller mid-protocol for as long as a test needs.
type blockingEngine struct {
	noopEngine
	release chan struct{}
}

func (b *blockingEngine) Drain(ctx context.Context) error {
	<-b.release
	return nil
}

func TestAdminSurfaceServesDuringShutdown(t *testing.T) {
	eng := &blockingEngine{release: make(chan struct{})}
	calls := 0
	srv, controller := newTestServerWithEngine(func() { calls++ }, eng)
	router := srv.Router()

	done := make(chan struct{})
	go func() {
		controller.Terminate(context.Background())
		close(done)
	}()

	// wait for the protocol to reach the blocked drain step
	deadline := time.Now().Add(time.Second)
	for controller.State() == lifecycle.StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("controller never left the running state")
		}
		time.Sleep(time.Millisecond)
	}

	// status must report shutdown progress while the protocol is running
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /status during shutdown = %d, want 200", w.Code)
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if body.State != string(lifecycle.StateDraining) {
		t.Errorf("state during shutdown = %q, want draining", body.State)
	}

	// a second terminate call must report progress, not re-trigger or fail
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/terminate", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /terminate during shutdown = %d, want 202", w.Code)
	}
	if calls != 0 {
		t.Errorf("terminate trigger invoked %d times mid-shutdown, want 0", calls)
	}

	close(eng.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after drain was released")
	}
}

func TestHealthzAndRequestID(t *testing.T) {
	srv, _ := newTestServer(nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", w.Code)
	}
}
