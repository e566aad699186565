package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"fleet/pkg/store"
	"fleet/pkg/supervisor"
)

type memPM struct {
	pids map[string]int
	next int
}

func newMemPM() *memPM { return &memPM{pids: make(map[string]int), next: 100} }

func (m *memPM) Spawn(spec supervisor.ProcessSpec) (*os.Process, error) {
	m.next++
	m.pids[spec.Name] = m.next
	return &os.Process{Pid: m.next}, nil
}

func (m *memPM) Kill(name string) error {
	delete(m.pids, name)
	return nil
}

func (m *memPM) PIDOf(name string) int { return m.pids[name] }

func (m *memPM) TrackedPIDs() map[int]bool {
	out := make(map[int]bool)
	for _, pid := range m.pids {
		out[pid] = true
	}
	return out
}

func newTestServer(t *testing.T, token string) (*Server, *supervisor.Supervisor, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := supervisor.New(st, newMemPM(), supervisor.Config{SelfHeal: true}, log)
	sup.Register(supervisor.ProcessSpec{Name: "dispatcher", Kind: supervisor.KindDispatcher, Argv: []string{"fleet", "daemon"}, Stoppable: true})
	sup.Register(supervisor.ProcessSpec{Name: "planner", Kind: supervisor.KindPlanner, Argv: []string{"fleet-agent", "plan"}, Stoppable: true})
	sup.Register(supervisor.ProcessSpec{Name: "ui", Kind: supervisor.KindGateway, Argv: []string{"fleet", "ui"}, Stoppable: false})
	sup.SetOrphanScan(func(string, map[int]bool) []int { return nil })

	return NewServer(sup, Config{AdminToken: token}, log), sup, st
}

func doRequest(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/processes", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/processes", "wrong", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d, want 401", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/processes", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("good token: %d, want 200", rec.Code)
	}
}

func TestListAndGetProcesses(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/processes", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var views []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("listed %d processes, want 3", len(views))
	}

	rec = doRequest(t, h, http.MethodGet, "/processes/dispatcher", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/processes/ghost", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get unknown: %d, want 404", rec.Code)
	}
}

func TestStartSemantics(t *testing.T) {
	ctx := context.Background()
	srv, _, st := newTestServer(t, "")
	h := srv.Handler()

	// Unknown process.
	rec := doRequest(t, h, http.MethodPost, "/processes/ghost/start", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("start unknown: %d, want 404", rec.Code)
	}

	// Invalid payload: two fields set.
	rec = doRequest(t, h, http.MethodPost, "/processes/planner/start", "",
		`{"requirementPath":"req.md","content":"inline"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("double payload: %d, want 400", rec.Code)
	}

	// Backlog blocks a planner start.
	task := &store.Task{ID: "t1", Title: "pending", Status: store.TaskQueued}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	rec = doRequest(t, h, http.MethodPost, "/processes/planner/start", "",
		`{"requirementPath":"req.md"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("backlogged planner start: %d, want 409", rec.Code)
	}

	// Drained backlog: start succeeds; a second start conflicts.
	if _, err := st.TransitionTask(ctx, "t1", store.TaskQueued, store.TaskCancelled, store.BlockNone); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	rec = doRequest(t, h, http.MethodPost, "/processes/planner/start", "",
		`{"requirementPath":"req.md"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clean planner start: %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/processes/planner/start", "",
		`{"requirementPath":"req.md"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate planner start: %d, want 409", rec.Code)
	}
}

func TestStopSemantics(t *testing.T) {
	srv, sup, _ := newTestServer(t, "")
	h := srv.Handler()

	if err := sup.Start(context.Background(), "dispatcher", nil); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	rec := doRequest(t, h, http.MethodPost, "/processes/dispatcher/stop", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPost, "/processes/ui/stop", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("stop unstoppable: %d, want 400", rec.Code)
	}
}

func TestStopAllReturnsCounts(t *testing.T) {
	ctx := context.Background()
	srv, sup, st := newTestServer(t, "")
	h := srv.Handler()

	task := &store.Task{ID: "t1", Title: "running work", Status: store.TaskRunning}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	run := &store.Run{ID: "r1", TaskID: "t1", AgentID: "w1", Status: store.RunRunning}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if err := st.InsertLease(ctx, "t1", "w1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("insert lease: %v", err)
	}
	sup.ArmHatch(ctx, "test")

	rec := doRequest(t, h, http.MethodPost, "/stop-all", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop-all: %d", rec.Code)
	}
	var res supervisor.StopAllResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.CancelledRuns != 1 || res.RequeuedTasks != 1 {
		t.Fatalf("counts = %+v, want 1 run / 1 task", res)
	}
	if sup.HatchArmed() {
		t.Fatal("hatch still armed after stop-all")
	}
}

func TestStopAllStaysOKOnPartialFailure(t *testing.T) {
	srv, _, st := newTestServer(t, "")
	h := srv.Handler()

	// Kill the store out from under the handler: process teardown still
	// happens, the run/lease cleanup fails midway.
	st.Close()

	rec := doRequest(t, h, http.MethodPost, "/stop-all", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop-all with store failure: %d, want 200", rec.Code)
	}
	var res struct {
		supervisor.StopAllResult
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Error == "" {
		t.Fatal("partial failure not surfaced in the response")
	}
	if res.StoppedProcesses != 2 {
		t.Fatalf("stoppedProcesses = %d, want the partial counts preserved", res.StoppedProcesses)
	}
}
