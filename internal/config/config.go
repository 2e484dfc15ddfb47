// Package config defines the process-wide configuration object (spec.md
// §6). Every option in the spec's table is represented here with its
// documented default; values are loaded with viper from environment
// variables (prefix SAO_) and an optional YAML file shaped like a
// ConfigMap, following the layering pattern the teacher's controller reads
// its own optimization/accelerator ConfigMaps with.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/errkind"
)

// AutopilotLevel mirrors domain.AutopilotState but as the string the config
// layer accepts, kept distinct so a typo in config surfaces as a validation
// error rather than silently mapping to Disabled.
type AutopilotLevel string

const (
	LevelDisabled  AutopilotLevel = "disabled"
	LevelObserve   AutopilotLevel = "observe"
	LevelRecommend AutopilotLevel = "recommend"
	LevelAutopilot AutopilotLevel = "autopilot"
)

func (l AutopilotLevel) ToState() domain.AutopilotState {
	switch l {
	case LevelObserve:
		return domain.AutopilotObserve
	case LevelRecommend:
		return domain.AutopilotRecommend
	case LevelAutopilot:
		return domain.AutopilotApply
	default:
		return domain.AutopilotDisabled
	}
}

// AuthMode selects how the Prometheus/Mimir client authenticates.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
	AuthHeader AuthMode = "header"
)

// WorkloadOverride is a per-workload attribute override (spec.md §6's
// per-workload table).
type WorkloadOverride struct {
	Namespace            string `mapstructure:"namespace"`
	Name                 string `mapstructure:"name"`
	Priority             string `mapstructure:"priority"`
	StartupFilterMinutes int    `mapstructure:"startupFilterMinutes"`
	HPAName              string `mapstructure:"hpaName"`
}

// Config is the process-wide configuration object.
type Config struct {
	// Loop cadence.
	CheckInterval time.Duration

	// Metrics source.
	MetricsURL       string
	MimirTenantID    string
	AuthMode         AuthMode
	AuthUsername     string
	AuthPassword     string
	AuthBearerToken  string
	AuthHeaderName   string
	AuthHeaderValue  string
	PromTimeout      time.Duration
	K8sTimeout       time.Duration

	// Global behavior.
	DryRun                bool
	TargetNodeUtilization float64

	// Feature flags.
	EnablePredictive     bool
	EnableAutotuning     bool
	EnableAutopilot      bool
	EnablePrescale       bool
	EnableAutoDiscovery  bool

	// Pre-Scale Manager.
	PrescaleMinConfidence   float64
	PrescaleThreshold       float64
	PrescaleRollbackMinutes int
	PrescaleCooldownMinutes int

	// Autopilot.
	AutopilotLevel                  AutopilotLevel
	AutopilotMinConfidence          float64
	AutopilotMaxChangePercent       float64
	AutopilotCooldownHours          int
	AutopilotEnableLearningMode     bool
	AutopilotLearningDays           int
	AutopilotAutoGraduate           bool
	AutopilotEnableAutoRollback     bool
	AutopilotRollbackMonitorMinutes int
	AutopilotMaxRestartIncrease     int
	AutopilotMaxOOMIncrease         int
	AutopilotMaxReadinessDropPercent float64
	AutopilotMinObservationDays     int
	AutopilotHighPriorityChangeThreshold float64 // guardrail 5: critical/high degrade above this |Δ|%
	AutopilotMemoryFloorMi          int          // optional tighter 256Mi floor

	// FinOps inputs.
	CostPerVCPUHour      float64
	CostPerGBMemoryHour  float64

	// Store retention/cleanup.
	SampleRetentionDays     int
	EventRetentionDays      int
	PredictionRetentionDays int
	AnomalyRetentionDays    int
	CleanupInterval         time.Duration
	StorePath               string
	DiskWarningThreshold    float64
	DiskDownsampleThreshold float64
	DiskAggressiveThreshold float64

	// Rate limiting.
	PromRateLimit float64
	K8sRateLimit  float64

	// Workloads.
	Workloads []WorkloadOverride

	// Read API.
	ReadAPIAddr string

	// Logging.
	DevLogs bool
}

// Defaults returns a Config populated with every default spec.md §6 lists.
func Defaults() Config {
	return Config{
		CheckInterval: 30 * time.Second,

		AuthMode:    AuthNone,
		PromTimeout: 5 * time.Second,
		K8sTimeout:  10 * time.Second,

		DryRun:                false,
		TargetNodeUtilization: 30,

		EnablePredictive:    true,
		EnableAutotuning:    true,
		EnableAutopilot:     true,
		EnablePrescale:      true,
		EnableAutoDiscovery: true,

		PrescaleMinConfidence:   0.70,
		PrescaleThreshold:       75,
		PrescaleRollbackMinutes: 60,
		PrescaleCooldownMinutes: 15,

		AutopilotLevel:                        LevelDisabled,
		AutopilotMinConfidence:                0.80,
		AutopilotMaxChangePercent:             30,
		AutopilotCooldownHours:                24,
		AutopilotEnableLearningMode:           true,
		AutopilotLearningDays:                 7,
		AutopilotAutoGraduate:                 true,
		AutopilotEnableAutoRollback:           true,
		AutopilotRollbackMonitorMinutes:       10,
		AutopilotMaxRestartIncrease:           2,
		AutopilotMaxOOMIncrease:               1,
		AutopilotMaxReadinessDropPercent:      20,
		AutopilotMinObservationDays:           7,
		AutopilotHighPriorityChangeThreshold:  20,
		AutopilotMemoryFloorMi:                0,

		CostPerVCPUHour:     0.04,
		CostPerGBMemoryHour: 0.005,

		SampleRetentionDays:     30,
		EventRetentionDays:      30,
		PredictionRetentionDays: 30,
		AnomalyRetentionDays:    90,
		CleanupInterval:         6 * time.Hour,
		StorePath:               "/var/lib/smart-autoscaler/store.db",
		DiskWarningThreshold:    0.80,
		DiskDownsampleThreshold: 0.90,
		DiskAggressiveThreshold: 0.95,

		PromRateLimit: 10,
		K8sRateLimit:  20,

		ReadAPIAddr: ":8081",
	}
}

// Load reads configuration from environment variables (prefix SAO_) and, if
// configPath is non-empty, a YAML file, layering over Defaults(). A fatal
// config error at startup is represented as a returned error; main.go exits
// non-zero on it per spec.md §7.
func Load(configPath string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("SAO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	bindDefaults(v, cfg)

	if d := v.GetString("check_interval"); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return cfg, fmt.Errorf("config: check_interval: %w", err)
		}
		cfg.CheckInterval = parsed
	}

	cfg.MetricsURL = v.GetString("metrics_url")
	cfg.MimirTenantID = v.GetString("mimir_tenant_id")
	if m := v.GetString("auth_mode"); m != "" {
		cfg.AuthMode = AuthMode(m)
	}
	cfg.AuthUsername = v.GetString("auth_username")
	cfg.AuthPassword = v.GetString("auth_password")
	cfg.AuthBearerToken = v.GetString("auth_bearer_token")
	cfg.AuthHeaderName = v.GetString("auth_header_name")
	cfg.AuthHeaderValue = v.GetString("auth_header_value")

	cfg.DryRun = v.GetBool("dry_run")
	if tn := v.GetFloat64("target_node_utilization"); tn != 0 {
		cfg.TargetNodeUtilization = tn
	}

	for _, flag := range []struct {
		key string
		ptr *bool
	}{
		{"enable_predictive", &cfg.EnablePredictive},
		{"enable_autotuning", &cfg.EnableAutotuning},
		{"enable_autopilot", &cfg.EnableAutopilot},
		{"enable_prescale", &cfg.EnablePrescale},
		{"enable_auto_discovery", &cfg.EnableAutoDiscovery},
	} {
		if v.IsSet(flag.key) {
			*flag.ptr = v.GetBool(flag.key)
		}
	}

	if v.IsSet("prescale_min_confidence") {
		cfg.PrescaleMinConfidence = v.GetFloat64("prescale_min_confidence")
	}
	if v.IsSet("prescale_threshold") {
		cfg.PrescaleThreshold = v.GetFloat64("prescale_threshold")
	}
	if v.IsSet("prescale_rollback_minutes") {
		cfg.PrescaleRollbackMinutes = v.GetInt("prescale_rollback_minutes")
	}
	if v.IsSet("prescale_cooldown_minutes") {
		cfg.PrescaleCooldownMinutes = v.GetInt("prescale_cooldown_minutes")
	}

	if lvl := v.GetString("autopilot_level"); lvl != "" {
		cfg.AutopilotLevel = AutopilotLevel(lvl)
	}
	if v.IsSet("autopilot_min_confidence") {
		cfg.AutopilotMinConfidence = v.GetFloat64("autopilot_min_confidence")
	}
	if v.IsSet("autopilot_max_change_percent") {
		cfg.AutopilotMaxChangePercent = v.GetFloat64("autopilot_max_change_percent")
	}
	if v.IsSet("autopilot_cooldown_hours") {
		cfg.AutopilotCooldownHours = v.GetInt("autopilot_cooldown_hours")
	}
	if v.IsSet("autopilot_enable_learning_mode") {
		cfg.AutopilotEnableLearningMode = v.GetBool("autopilot_enable_learning_mode")
	}
	if v.IsSet("autopilot_learning_days") {
		cfg.AutopilotLearningDays = v.GetInt("autopilot_learning_days")
	}
	if v.IsSet("autopilot_auto_graduate") {
		cfg.AutopilotAutoGraduate = v.GetBool("autopilot_auto_graduate")
	}
	if v.IsSet("autopilot_enable_auto_rollback") {
		cfg.AutopilotEnableAutoRollback = v.GetBool("autopilot_enable_auto_rollback")
	}
	if v.IsSet("autopilot_rollback_monitor_minutes") {
		cfg.AutopilotRollbackMonitorMinutes = v.GetInt("autopilot_rollback_monitor_minutes")
	}
	if v.IsSet("autopilot_max_restart_increase") {
		cfg.AutopilotMaxRestartIncrease = v.GetInt("autopilot_max_restart_increase")
	}
	if v.IsSet("autopilot_max_oom_increase") {
		cfg.AutopilotMaxOOMIncrease = v.GetInt("autopilot_max_oom_increase")
	}
	if v.IsSet("autopilot_max_readiness_drop_percent") {
		cfg.AutopilotMaxReadinessDropPercent = v.GetFloat64("autopilot_max_readiness_drop_percent")
	}

	if v.IsSet("cost_per_vcpu_hour") {
		cfg.CostPerVCPUHour = v.GetFloat64("cost_per_vcpu_hour")
	}
	if v.IsSet("cost_per_gb_memory_hour") {
		cfg.CostPerGBMemoryHour = v.GetFloat64("cost_per_gb_memory_hour")
	}

	if v.IsSet("prom_rate_limit") {
		cfg.PromRateLimit = v.GetFloat64("prom_rate_limit")
	}
	if v.IsSet("k8s_rate_limit") {
		cfg.K8sRateLimit = v.GetFloat64("k8s_rate_limit")
	}

	if v.IsSet("store_path") {
		cfg.StorePath = v.GetString("store_path")
	}
	if v.IsSet("read_api_addr") {
		cfg.ReadAPIAddr = v.GetString("read_api_addr")
	}
	cfg.DevLogs = v.GetBool("dev_logs")

	var overrides []WorkloadOverride
	if err := v.UnmarshalKey("workloads", &overrides); err == nil && len(overrides) > 0 {
		cfg.Workloads = overrides
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// bindDefaults seeds viper with Defaults()'s zero-value-distinguishable
// fields so AutomaticEnv lookups succeed even when nothing overrides them.
func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("check_interval", cfg.CheckInterval.String())
	v.SetDefault("dry_run", cfg.DryRun)
	v.SetDefault("target_node_utilization", cfg.TargetNodeUtilization)
}

// Validate rejects out-of-range values per spec.md §3 invariant 5 and §7's
// "Config error at startup: fatal" rule.
func (c Config) Validate() error {
	var errs []string
	checkUnit := func(name string, val float64) {
		if val < 0 || val > 1 {
			errs = append(errs, fmt.Sprintf("%s must be in [0,1], got %v", name, val))
		}
	}
	checkUnit("prescale_min_confidence", c.PrescaleMinConfidence)
	checkUnit("autopilot_min_confidence", c.AutopilotMinConfidence)

	if c.PrescaleThreshold < 0 || c.PrescaleThreshold > 200 {
		errs = append(errs, fmt.Sprintf("prescale_threshold must be in [0,200], got %v", c.PrescaleThreshold))
	}
	if c.TargetNodeUtilization < 0 || c.TargetNodeUtilization > 100 {
		errs = append(errs, fmt.Sprintf("target_node_utilization must be in [0,100], got %v", c.TargetNodeUtilization))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, "check_interval must be positive")
	}
	switch c.AutopilotLevel {
	case LevelDisabled, LevelObserve, LevelRecommend, LevelAutopilot:
	default:
		errs = append(errs, fmt.Sprintf("autopilot_level: unknown value %q", c.AutopilotLevel))
	}
	switch c.AuthMode {
	case AuthNone, AuthBasic, AuthBearer, AuthHeader:
	default:
		errs = append(errs, fmt.Sprintf("auth_mode: unknown value %q", c.AuthMode))
	}
	for _, w := range c.Workloads {
		if w.Priority == "" {
			continue
		}
		if !domain.Priority(w.Priority).Valid() {
			errs = append(errs, fmt.Sprintf("workload %s/%s: invalid priority %q", w.Namespace, w.Name, w.Priority))
		}
	}

	if len(errs) > 0 {
		return errkind.Wrap(errkind.Config, fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// PriorityConfidenceFloor returns the priority-dependent Auto-Tuner
// confidence floor (spec.md §4.5 step 4).
func PriorityConfidenceFloor(p domain.Priority) float64 {
	switch p {
	case domain.PriorityCritical:
		return 0.85
	case domain.PriorityHigh:
		return 0.80
	case domain.PriorityLow:
		return 0.70
	case domain.PriorityBestEffort:
		return 0.65
	default:
		return 0.75
	}
}

// PriorityPrescaleMinConfidence returns the priority-scaled Pre-Scale
// Manager confidence floor (spec.md §4.6).
func PriorityPrescaleMinConfidence(p domain.Priority) float64 {
	switch p {
	case domain.PriorityCritical:
		return 0.60
	case domain.PriorityHigh:
		return 0.65
	case domain.PriorityLow:
		return 0.75
	case domain.PriorityBestEffort:
		return 0.80
	default:
		return 0.70
	}
}

// PriorityTargetOffset returns the per-tier HPA target offset and
// scale-up/scale-down speed multipliers (spec.md §4.8's table).
type PriorityTuning struct {
	TargetOffset     float64
	ScaleUpSpeed     float64
	ScaleDownSpeed   float64
}

func PriorityTargetOffset(p domain.Priority) PriorityTuning {
	switch p {
	case domain.PriorityCritical:
		return PriorityTuning{-15, 2.0, 0.25}
	case domain.PriorityHigh:
		return PriorityTuning{-10, 1.5, 0.5}
	case domain.PriorityLow:
		return PriorityTuning{10, 0.5, 2.0}
	case domain.PriorityBestEffort:
		return PriorityTuning{15, 0.25, 3.0}
	default:
		return PriorityTuning{0, 1.0, 1.0}
	}
}
