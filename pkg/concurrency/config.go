package concurrency

import (
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the concurrency parameters used when sizing batch execution.
type Config struct {
	// MaxConcurrent is the limiter capacity: the maximum number of fan-out
	// tasks executing at once across the engine.
	MaxConcurrent int

	// BatchWorkers is the number of worker goroutines used to drain one
	// fan-out batch.
	BatchWorkers int

	// Source records where MaxConcurrent came from.
	Source ConfigSource

	// IsKubernetes reports whether a Kubernetes environment was detected.
	IsKubernetes bool

	// EffectiveCPUs is the GOMAXPROCS value at load time, which respects
	// cgroup CPU limits in containers.
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority:
// environment variables, then environment auto-detection.
//
// Recognized variables:
//
//	DAEDALUS_MAX_CONCURRENT sets the limiter capacity.
//	DAEDALUS_BATCH_WORKERS sets the workers per fan-out batch.
func LoadConfig() *Config {
	cfg := &Config{
		IsKubernetes:  os.Getenv("KUBERNETES_SERVICE_HOST") != "",
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if v := envInt("DAEDALUS_MAX_CONCURRENT"); v > 0 {
		cfg.MaxConcurrent = v
		cfg.Source = ConfigSourceEnvVar
	} else {
		cfg.MaxConcurrent = defaultMaxConcurrent(cfg.IsKubernetes, cfg.EffectiveCPUs)
		cfg.Source = ConfigSourceAutoDetect
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	if v := envInt("DAEDALUS_BATCH_WORKERS"); v > 0 {
		cfg.BatchWorkers = v
	} else {
		cfg.BatchWorkers = cfg.EffectiveCPUs
		if cfg.BatchWorkers < 2 {
			cfg.BatchWorkers = 2
		}
	}

	return cfg
}

// defaultMaxConcurrent picks a capacity suited to the environment. Inside
// Kubernetes the default stays conservative to respect pod CPU quotas.
func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func envInt(name string) int {
	raw := os.Getenv(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
