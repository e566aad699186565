package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Dispatcher.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %v, want 5s default", c.Dispatcher.PollInterval)
	}
	if c.Scheduler.FeatureMinSlots != 1 || c.Scheduler.ConflictMaxSlots != 2 {
		t.Fatalf("lane defaults = %+v", c.Scheduler)
	}
	if c.Home == "" {
		t.Fatal("home not defaulted")
	}
}

func TestLoadFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	content := `
home = "` + dir + `"

[dispatcher]
poll_interval = "2s"
max_workers = 8

[scheduler]
hard_judge_gate = true
conflict_max_slots = 3

[control]
addr = "127.0.0.1:9999"
admin_token = "hunter2"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Dispatcher.PollInterval != 2*time.Second || c.Dispatcher.MaxWorkers != 8 {
		t.Fatalf("dispatcher = %+v", c.Dispatcher)
	}
	if !c.Scheduler.HardJudgeGate || c.Scheduler.ConflictMaxSlots != 3 {
		t.Fatalf("scheduler = %+v", c.Scheduler)
	}
	if c.Control.Addr != "127.0.0.1:9999" || c.Control.AdminToken != "hunter2" {
		t.Fatalf("control = %+v", c.Control)
	}
	if c.DBPath() != filepath.Join(dir, "fleet.db") {
		t.Fatalf("db path = %s", c.DBPath())
	}
	// Defaults still fill unset sections.
	if c.Judge.MaxRetries != 3 {
		t.Fatalf("judge retries = %d, want default 3", c.Judge.MaxRetries)
	}
}

func TestLoadProcessTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	content := `
[[process]]
name = "planner"
kind = "planner"
argv = ["fleet-planner", "--once"]
stoppable = true

[[process]]
name = "gateway"
kind = "gateway"
argv = ["fleet-gateway"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Processes) != 2 {
		t.Fatalf("processes = %d, want 2", len(c.Processes))
	}
	p := c.Processes[0]
	if p.Name != "planner" || p.Kind != "planner" || !p.Stoppable {
		t.Fatalf("planner entry: %+v", p)
	}
	if len(p.Argv) != 2 || p.Argv[1] != "--once" {
		t.Fatalf("planner argv: %v", p.Argv)
	}
	if c.Processes[1].Stoppable {
		t.Fatal("gateway defaulted stoppable")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	if err := os.WriteFile(path, []byte("[dispatcher]\nmax_workers = 2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("FLEET_MAX_WORKERS", "16")
	t.Setenv("FLEET_COOLDOWN_DELAY", "30s")
	t.Setenv("FLEET_SELF_HEAL", "true")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Dispatcher.MaxWorkers != 16 {
		t.Fatalf("max workers = %d, want env override 16", c.Dispatcher.MaxWorkers)
	}
	if c.Scheduler.CooldownDelay != 30*time.Second {
		t.Fatalf("cooldown = %v, want 30s", c.Scheduler.CooldownDelay)
	}
	if !c.Supervisor.SelfHeal {
		t.Fatal("self heal env override lost")
	}
}

func TestBadEnvValueIsAnError(t *testing.T) {
	t.Setenv("FLEET_MAX_WORKERS", "many")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("bad env value accepted")
	}
}

func TestStarterParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	if err := os.WriteFile(path, []byte(Starter), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("starter config does not parse: %v", err)
	}
	if !c.Supervisor.SelfHeal {
		t.Fatal("starter self_heal not set")
	}
}
