package hensu

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/hensu/runtime/executor"
	"goa.design/hensu/runtime/plan"
)

// Defaults applied by DefaultConfig. Heartbeat jitter, stale threshold, and
// sweep interval default relative to the heartbeat interval (1/10, 3x, and
// 2x respectively) so tuning the interval tunes the whole lease schedule.
const (
	DefaultTenantID          = "default"
	DefaultHeartbeatInterval = 30 * time.Second
)

type (
	// Duration wraps time.Duration so YAML configs can say "30s" or "5m".
	Duration time.Duration

	// Config carries the environment tuning knobs. Zero values defer to the
	// documented defaults; LoadConfig starts from DefaultConfig so a partial
	// YAML file only overrides what it names.
	Config struct {
		// TenantID scopes workflows and executions started through this
		// environment. Resume takes an explicit tenant and ignores it.
		TenantID string `yaml:"tenant_id"`
		// ServerNodeID names this process for lease ownership. Empty means
		// derive one from the hostname and a random suffix.
		ServerNodeID string `yaml:"server_node_id"`
		// MaxConcurrency bounds branch and fork-path fan-out per execution.
		// Zero runs every branch on its own goroutine; positive values
		// bound the pool.
		MaxConcurrency int `yaml:"max_concurrency"`
		// MaxExecutionSteps is the per-execution node budget.
		MaxExecutionSteps int `yaml:"max_execution_steps"`
		// MaxRubricRetries bounds rubric-driven same-node retries.
		MaxRubricRetries int `yaml:"max_rubric_retries"`
		// StubEnabled registers the stub agent provider at priority 1000 so
		// it intercepts every model.
		StubEnabled bool `yaml:"stub_enabled"`

		// Heartbeat tunes the lease schedule.
		Heartbeat HeartbeatConfig `yaml:"heartbeat"`
		// Plan bounds plan runs when nodes leave constraints unset.
		Plan PlanConfig `yaml:"plan"`
		// Backtrack tunes the rubric auto-backtrack score ladder.
		Backtrack BacktrackConfig `yaml:"backtrack"`
		// Checkpoint tunes snapshot persistence retries.
		Checkpoint CheckpointConfig `yaml:"checkpoint"`
	}

	// HeartbeatConfig is the lease timing schedule. An execution whose
	// lease heartbeat goes quiet for StaleThreshold is considered orphaned
	// and claimable by any node's sweeper.
	HeartbeatConfig struct {
		// Interval is the heartbeat period.
		Interval Duration `yaml:"interval"`
		// Jitter is the maximum random delay added to each beat so nodes
		// sharing a store do not thunder. Zero derives Interval/10.
		Jitter Duration `yaml:"jitter"`
		// StaleThreshold is how quiet a lease must go before the sweeper
		// claims it. Zero derives 3x Interval.
		StaleThreshold Duration `yaml:"stale_threshold"`
		// SweepInterval is the recovery sweeper period. Zero derives
		// 2x Interval.
		SweepInterval Duration `yaml:"sweep_interval"`
	}

	// PlanConfig is the default plan budget applied when a node's planning
	// config leaves a constraint unset.
	PlanConfig struct {
		// MaxSteps caps dispatched steps per plan run.
		MaxSteps int `yaml:"max_steps"`
		// MaxReplans caps planner revisions per plan run.
		MaxReplans int `yaml:"max_replans"`
		// Timeout bounds one plan run.
		Timeout Duration `yaml:"timeout"`
	}

	// BacktrackConfig is the rubric score ladder: failing scores below
	// Moderate rewind to the most recent prior rubric node (tagged critical
	// below Critical); scores below Minor retry the current node.
	BacktrackConfig struct {
		Critical float64 `yaml:"critical"`
		Moderate float64 `yaml:"moderate"`
		Minor    float64 `yaml:"minor"`
	}

	// CheckpointConfig tunes snapshot saves.
	CheckpointConfig struct {
		// Retries is how many times a failed save is retried with
		// exponential backoff before the execution gives up.
		Retries int `yaml:"retries"`
	}
)

// UnmarshalYAML implements yaml.Unmarshaler so durations read as "30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns the documented defaults: unbounded fan-out, a
// 10000-step budget, 30s heartbeats with derived jitter and sweep timing,
// and the 30/60/80 backtrack ladder.
func DefaultConfig() Config {
	return Config{
		TenantID:          DefaultTenantID,
		MaxConcurrency:    0,
		MaxExecutionSteps: executor.DefaultStepCap,
		MaxRubricRetries:  executor.DefaultMaxRubricRetries,
		Heartbeat: HeartbeatConfig{
			Interval: Duration(DefaultHeartbeatInterval),
		},
		Plan: PlanConfig{
			MaxSteps:   plan.DefaultMaxSteps,
			MaxReplans: plan.DefaultMaxReplans,
			Timeout:    Duration(plan.DefaultTimeout),
		},
		Backtrack: BacktrackConfig{
			Critical: executor.DefaultBacktrackCritical,
			Moderate: executor.DefaultBacktrackModerate,
			Minor:    executor.DefaultBacktrackMinor,
		},
		Checkpoint: CheckpointConfig{
			Retries: executor.DefaultCheckpointRetries,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults, so partial files
// only override the fields they name.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the environment cannot run with.
func (c Config) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be >= 0")
	}
	if c.MaxExecutionSteps <= 0 {
		return fmt.Errorf("max_execution_steps must be > 0")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be > 0")
	}
	if c.Heartbeat.StaleThreshold != 0 && c.Heartbeat.StaleThreshold <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.stale_threshold must exceed heartbeat.interval")
	}
	if bt := c.Backtrack; bt.Critical > bt.Moderate || bt.Moderate > bt.Minor {
		return fmt.Errorf("backtrack thresholds must satisfy critical <= moderate <= minor")
	}
	return nil
}

// jitter returns the configured heartbeat jitter, deriving a tenth of the
// interval when unset.
func (h HeartbeatConfig) jitter() time.Duration {
	if h.Jitter > 0 {
		return h.Jitter.Std()
	}
	return h.Interval.Std() / 10
}

// staleThreshold returns the configured stale threshold, deriving three
// intervals when unset.
func (h HeartbeatConfig) staleThreshold() time.Duration {
	if h.StaleThreshold > 0 {
		return h.StaleThreshold.Std()
	}
	return 3 * h.Interval.Std()
}

// sweepInterval returns the configured sweep period, deriving two intervals
// when unset.
func (h HeartbeatConfig) sweepInterval() time.Duration {
	if h.SweepInterval > 0 {
		return h.SweepInterval.Std()
	}
	return 2 * h.Interval.Std()
}

// constraints converts the plan section into executor defaults.
func (p PlanConfig) constraints() plan.Constraints {
	return plan.Constraints{
		MaxSteps:   p.MaxSteps,
		MaxReplans: p.MaxReplans,
		Timeout:    p.Timeout.Std(),
	}
}
