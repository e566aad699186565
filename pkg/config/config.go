// Package config loads the fleet's tunables from fleet.toml with FLEET_*
// environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full tunable surface.
type Config struct {
	// Home is the fleet state directory: database, process logs, spool.
	Home string `toml:"home"`

	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Judge      JudgeConfig      `toml:"judge"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Control    ControlConfig    `toml:"control"`

	// Processes is the operator's resident process table: what the
	// supervisor keeps alive. [[process]] array tables in fleet.toml.
	Processes []ProcessConfig `toml:"process"`
}

// ProcessConfig describes one resident process the supervisor manages.
type ProcessConfig struct {
	Name      string   `toml:"name"`
	Kind      string   `toml:"kind"`
	AgentID   string   `toml:"agent_id"`
	Argv      []string `toml:"argv"`
	Stoppable bool     `toml:"stoppable"`
}

type DispatcherConfig struct {
	PollInterval   time.Duration `toml:"poll_interval"`
	BackoffCap     time.Duration `toml:"backoff_cap"`
	MaxWorkers     int           `toml:"max_workers"`
	IsolatedLaunch bool          `toml:"isolated_launch"`
}

type SchedulerConfig struct {
	CooldownDelay    time.Duration `toml:"cooldown_delay"`
	HardJudgeGate    bool          `toml:"hard_judge_gate"`
	ConflictMaxSlots int           `toml:"conflict_max_slots"`
	FeatureMinSlots  int           `toml:"feature_min_slots"`
	DocserMaxSlots   int           `toml:"docser_max_slots"`
}

type JudgeConfig struct {
	PollInterval      time.Duration `toml:"poll_interval"`
	AutoRetryRejected bool          `toml:"auto_retry_rejected"`
	SpawnDocFollowup  bool          `toml:"spawn_doc_followup"`
	MaxRetries        int           `toml:"max_retries"`

	// MergeCommand is run (via sh -c) on an approved run, with
	// FLEET_PR_URL and FLEET_TASK_ID in the environment. Empty means
	// approvals are recorded without a merge step.
	MergeCommand string `toml:"merge_command"`
}

type SupervisorConfig struct {
	SelfHeal       bool          `toml:"self_heal"`
	TickInterval   time.Duration `toml:"tick_interval"`
	StartupGrace   time.Duration `toml:"startup_grace"`
	LivenessWindow time.Duration `toml:"liveness_window"`
}

type ControlConfig struct {
	Addr       string `toml:"addr"`
	AdminToken string `toml:"admin_token"`
}

func (c Config) withDefaults() Config {
	if c.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Home = filepath.Join(home, ".fleet")
	}
	if c.Dispatcher.PollInterval == 0 {
		c.Dispatcher.PollInterval = 5 * time.Second
	}
	if c.Dispatcher.BackoffCap == 0 {
		c.Dispatcher.BackoffCap = 2 * time.Minute
	}
	if c.Dispatcher.MaxWorkers == 0 {
		c.Dispatcher.MaxWorkers = 4
	}
	if c.Scheduler.CooldownDelay == 0 {
		c.Scheduler.CooldownDelay = 5 * time.Minute
	}
	if c.Scheduler.FeatureMinSlots == 0 {
		c.Scheduler.FeatureMinSlots = 1
	}
	if c.Scheduler.ConflictMaxSlots == 0 {
		c.Scheduler.ConflictMaxSlots = 2
	}
	if c.Scheduler.DocserMaxSlots == 0 {
		c.Scheduler.DocserMaxSlots = 1
	}
	if c.Judge.PollInterval == 0 {
		c.Judge.PollInterval = 10 * time.Second
	}
	if c.Judge.MaxRetries == 0 {
		c.Judge.MaxRetries = 3
	}
	if c.Supervisor.TickInterval == 0 {
		c.Supervisor.TickInterval = 15 * time.Second
	}
	if c.Supervisor.StartupGrace == 0 {
		c.Supervisor.StartupGrace = 30 * time.Second
	}
	if c.Supervisor.LivenessWindow == 0 {
		c.Supervisor.LivenessWindow = 90 * time.Second
	}
	if c.Control.Addr == "" {
		c.Control.Addr = "127.0.0.1:7313"
	}
	return c
}

// DBPath is where the coordination database lives.
func (c Config) DBPath() string {
	return filepath.Join(c.Home, "fleet.db")
}

// SpoolDir is the planner drop directory the dispatcher watches.
func (c Config) SpoolDir() string {
	return filepath.Join(c.Home, "spool")
}

// JudgesPath is the domain judge registry file.
func (c Config) JudgesPath() string {
	return filepath.Join(c.Home, "judges.yaml")
}

// Load reads path (missing file is fine: defaults apply), then applies
// FLEET_* environment overrides, then fills defaults.
func Load(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	return c.withDefaults(), nil
}

// applyEnv layers FLEET_* variables over file values.
func (c *Config) applyEnv() error {
	var err error
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = b
	}
	setDur := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = d
	}

	setStr("FLEET_HOME", &c.Home)
	setDur("FLEET_POLL_INTERVAL", &c.Dispatcher.PollInterval)
	setDur("FLEET_BACKOFF_CAP", &c.Dispatcher.BackoffCap)
	setInt("FLEET_MAX_WORKERS", &c.Dispatcher.MaxWorkers)
	setBool("FLEET_ISOLATED_LAUNCH", &c.Dispatcher.IsolatedLaunch)
	setDur("FLEET_COOLDOWN_DELAY", &c.Scheduler.CooldownDelay)
	setBool("FLEET_HARD_JUDGE_GATE", &c.Scheduler.HardJudgeGate)
	setInt("FLEET_CONFLICT_MAX_SLOTS", &c.Scheduler.ConflictMaxSlots)
	setInt("FLEET_FEATURE_MIN_SLOTS", &c.Scheduler.FeatureMinSlots)
	setInt("FLEET_DOCSER_MAX_SLOTS", &c.Scheduler.DocserMaxSlots)
	setBool("FLEET_AUTO_RETRY_REJECTED", &c.Judge.AutoRetryRejected)
	setBool("FLEET_SPAWN_DOC_FOLLOWUP", &c.Judge.SpawnDocFollowup)
	setInt("FLEET_MAX_RETRIES", &c.Judge.MaxRetries)
	setStr("FLEET_MERGE_COMMAND", &c.Judge.MergeCommand)
	setBool("FLEET_SELF_HEAL", &c.Supervisor.SelfHeal)
	setDur("FLEET_TICK_INTERVAL", &c.Supervisor.TickInterval)
	setDur("FLEET_STARTUP_GRACE", &c.Supervisor.StartupGrace)
	setDur("FLEET_LIVENESS_WINDOW", &c.Supervisor.LivenessWindow)
	setStr("FLEET_CONTROL_ADDR", &c.Control.Addr)
	setStr("FLEET_ADMIN_TOKEN", &c.Control.AdminToken)
	return err
}

// Starter is the fleet.toml template written by `fleet init`.
const Starter = `# fleet configuration

[dispatcher]
poll_interval = "5s"
backoff_cap = "2m"
max_workers = 4

[scheduler]
cooldown_delay = "5m"
feature_min_slots = 1
conflict_max_slots = 2
docser_max_slots = 1

[judge]
poll_interval = "10s"
max_retries = 3
spawn_doc_followup = false

[supervisor]
self_heal = true
tick_interval = "15s"
startup_grace = "30s"
liveness_window = "90s"

[control]
addr = "127.0.0.1:7313"

# Resident processes the supervisor keeps alive. The planner is the usual
# first entry; agent workers are registered here when not using isolated
# launch.
#
# [[process]]
# name = "planner"
# kind = "planner"
# argv = ["fleet-planner"]
# stoppable = true
`
