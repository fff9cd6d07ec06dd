// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the daemon configuration. Configs are
// YAML (a JSON superset, so plain JSON files parse too) with $VAR and ${VAR}
// environment expansion applied to the raw text before parsing. The loaded
// config is frozen: nothing mutates it after Load returns.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/scheduler/platform"
	"github.com/tombee/turbine/pkg/errors"
)

// DisableMetricsEnv forces metrics off regardless of config when set to a
// non-empty value.
const DisableMetricsEnv = "NATIVE_LINK_DISABLE_METRICS"

// Config is the top-level daemon configuration.
type Config struct {
	Stores     map[string]StoreConfig     `yaml:"stores"`
	Schedulers map[string]SchedulerConfig `yaml:"schedulers"`
	Workers    []WorkerConfig             `yaml:"workers"`
	Servers    []ServerConfig             `yaml:"servers"`
	Global     GlobalConfig               `yaml:"global"`
}

// StoreConfig selects exactly one store backend.
type StoreConfig struct {
	Memory *MemoryStoreConfig `yaml:"memory"`
	SQLite *SQLiteStoreConfig `yaml:"sqlite"`
}

// MemoryStoreConfig configures the in-process store.
type MemoryStoreConfig struct {
	// MaxBytes bounds total blob bytes held. Zero means unbounded.
	MaxBytes int64 `yaml:"max_bytes"`
}

// SQLiteStoreConfig configures the file-backed store.
type SQLiteStoreConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig selects exactly one scheduler implementation.
type SchedulerConfig struct {
	Simple *SimpleSchedulerConfig `yaml:"simple"`
}

// SimpleSchedulerConfig configures the in-memory scheduler.
type SimpleSchedulerConfig struct {
	// PlatformProperties maps property keys to their match type:
	// exact, minimum or priority.
	PlatformProperties map[string]string `yaml:"platform_properties"`

	// SupportedInstances restricts served instance names. Empty means all.
	SupportedInstances []string `yaml:"supported_instances"`

	WorkerTimeoutS      int `yaml:"worker_timeout_s"`
	RetainCompletedForS int `yaml:"retain_completed_for_s"`
	MaxCompletedActions int `yaml:"max_completed_actions"`

	// MaxJobRetries bounds re-queues after worker internal errors.
	MaxJobRetries int `yaml:"max_job_retries"`

	// RescheduleOnInternalError re-queues instead of failing when a worker
	// reports a non-transient internal error, subject to the retry budget.
	RescheduleOnInternalError bool `yaml:"reschedule_on_internal_error"`

	// ExecuteRatePerSecond throttles Execute admission. Zero disables the
	// limiter.
	ExecuteRatePerSecond float64 `yaml:"execute_rate_per_second"`
	ExecuteRateBurst     int     `yaml:"execute_rate_burst"`
}

// WorkerTimeout returns the configured worker timeout as a duration.
func (c *SimpleSchedulerConfig) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutS) * time.Second
}

// RetainCompletedFor returns the completed-cache TTL as a duration.
func (c *SimpleSchedulerConfig) RetainCompletedFor() time.Duration {
	return time.Duration(c.RetainCompletedForS) * time.Second
}

// PlatformSchema parses the property map into the scheduler's schema form.
func (c *SimpleSchedulerConfig) PlatformSchema() (map[string]platform.PropertyType, error) {
	schema := make(map[string]platform.PropertyType, len(c.PlatformProperties))
	for key, typ := range c.PlatformProperties {
		t, err := platform.ParsePropertyType(typ)
		if err != nil {
			return nil, errors.Wrap(err, "platform property %q", key)
		}
		schema[key] = t
	}
	return schema, nil
}

// WorkerConfig selects exactly one worker variant.
type WorkerConfig struct {
	Local *LocalWorkerConfig `yaml:"local"`
}

// WorkerPropertyConfig is one advertised platform property. Values may be
// static, produced by a query command (one value per output line), or both.
type WorkerPropertyConfig struct {
	Name     string   `yaml:"name"`
	Values   []string `yaml:"values"`
	QueryCmd string   `yaml:"query_cmd"`
}

// LocalWorkerConfig configures a worker run inside the daemon process.
type LocalWorkerConfig struct {
	Name               string                 `yaml:"name"`
	WorkerAPIEndpoint  string                 `yaml:"worker_api_endpoint"`
	WorkDirectory      string                 `yaml:"work_directory"`
	CASStore           string                 `yaml:"cas_store"`
	PlatformProperties []WorkerPropertyConfig `yaml:"platform_properties"`
	PreconditionScript string                 `yaml:"precondition_script"`
	KeepAliveIntervalS int                    `yaml:"keep_alive_interval_s"`
	UploadActionResult bool                   `yaml:"upload_action_result"`
}

// ServerConfig is one listener plus the services mounted on it.
type ServerConfig struct {
	Name string `yaml:"name"`

	// ListenAddress is the gRPC listener, host:port.
	ListenAddress string `yaml:"listen_address"`

	// HTTPListenAddress serves the worker API and metrics. Empty disables
	// the HTTP listener.
	HTTPListenAddress string `yaml:"http_listen_address"`

	TLS      *TLSConfig     `yaml:"tls"`
	Services ServicesConfig `yaml:"services"`
}

// TLSConfig enables TLS on the server's listeners.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServicesConfig mounts services by reference to named stores and schedulers.
type ServicesConfig struct {
	CAS          *CASServiceConfig        `yaml:"cas"`
	AC           *ACServiceConfig         `yaml:"ac"`
	Execution    *ExecutionServiceConfig  `yaml:"execution"`
	ByteStream   *ByteStreamServiceConfig `yaml:"bytestream"`
	Capabilities *CapabilitiesConfig      `yaml:"capabilities"`
	WorkerAPI    *WorkerAPIConfig         `yaml:"worker_api"`
	Prometheus   *PrometheusConfig        `yaml:"prometheus"`
}

// CASServiceConfig mounts the CAS service over a named store.
type CASServiceConfig struct {
	Store string `yaml:"store"`
}

// ACServiceConfig mounts the ActionCache service over a named store.
type ACServiceConfig struct {
	Store string `yaml:"store"`
}

// ExecutionServiceConfig mounts the Execution service.
type ExecutionServiceConfig struct {
	Scheduler string `yaml:"scheduler"`
	CASStore  string `yaml:"cas_store"`
	ACStore   string `yaml:"ac_store"`
}

// ByteStreamServiceConfig mounts ByteStream over a named store.
type ByteStreamServiceConfig struct {
	Store string `yaml:"store"`
}

// CapabilitiesConfig mounts the Capabilities service.
type CapabilitiesConfig struct {
	Scheduler string `yaml:"scheduler"`
}

// WorkerAPIConfig mounts the worker control endpoint on the HTTP listener.
type WorkerAPIConfig struct {
	Scheduler string `yaml:"scheduler"`
}

// PrometheusConfig mounts metrics exposition on the HTTP listener.
type PrometheusConfig struct {
	// Path defaults to /metrics.
	Path string `yaml:"path"`
}

// MetricsPath returns the exposition path with the default applied.
func (c *PrometheusConfig) MetricsPath() string {
	if c.Path == "" {
		return "/metrics"
	}
	return c.Path
}

// GlobalConfig holds process-wide knobs.
type GlobalConfig struct {
	MaxOpenFiles                    int    `yaml:"max_open_files"`
	IdleFileDescriptorTimeoutMillis int64  `yaml:"idle_file_descriptor_timeout_millis"`
	DisableMetrics                  bool   `yaml:"disable_metrics"`
	DefaultDigestHashFunction       string `yaml:"default_digest_hash_function"`
}

// Load reads, expands, parses and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInvalidArgument,
			"failed to read config file %s", path)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "config file %s", path)
	}
	return cfg, nil
}

// Parse parses and validates raw config bytes.
func Parse(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInvalidArgument,
			"config does not parse")
	}
	if os.Getenv(DisableMetricsEnv) != "" {
		cfg.Global.DisableMetrics = true
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New(errors.CodeInvalidArgument, "config needs at least one server")
	}
	for name, s := range c.Stores {
		if err := oneOf(fmt.Sprintf("store %q", name), s.Memory != nil, s.SQLite != nil); err != nil {
			return err
		}
		if s.SQLite != nil && s.SQLite.Path == "" {
			return errors.New(errors.CodeInvalidArgument, "store %q: sqlite needs a path", name)
		}
	}
	for name, s := range c.Schedulers {
		if s.Simple == nil {
			return errors.New(errors.CodeInvalidArgument, "scheduler %q has no implementation", name)
		}
		if _, err := s.Simple.PlatformSchema(); err != nil {
			return errors.Wrap(err, "scheduler %q", name)
		}
	}
	for i, w := range c.Workers {
		if w.Local == nil {
			return errors.New(errors.CodeInvalidArgument, "worker %d has no implementation", i)
		}
		if w.Local.WorkerAPIEndpoint == "" {
			return errors.New(errors.CodeInvalidArgument,
				"worker %d needs a worker_api_endpoint", i)
		}
		if w.Local.CASStore != "" {
			if err := c.storeRef(fmt.Sprintf("worker %d cas_store", i), w.Local.CASStore); err != nil {
				return err
			}
		}
	}
	for _, srv := range c.Servers {
		if srv.ListenAddress == "" && srv.HTTPListenAddress == "" {
			return errors.New(errors.CodeInvalidArgument,
				"server %q has no listen addresses", srv.Name)
		}
		if srv.TLS != nil && (srv.TLS.CertFile == "" || srv.TLS.KeyFile == "") {
			return errors.New(errors.CodeInvalidArgument,
				"server %q: tls needs both cert_file and key_file", srv.Name)
		}
		if err := c.validateServices(srv); err != nil {
			return errors.Wrap(err, "server %q", srv.Name)
		}
	}
	if fn := c.Global.DefaultDigestHashFunction; fn != "" {
		if _, err := action.ParseDigestFunction(fn); err != nil {
			return errors.Wrap(err, "global.default_digest_hash_function")
		}
	}
	return nil
}

func (c *Config) validateServices(srv ServerConfig) error {
	svc := srv.Services
	if svc.CAS != nil {
		if err := c.storeRef("cas", svc.CAS.Store); err != nil {
			return err
		}
	}
	if svc.AC != nil {
		if err := c.storeRef("ac", svc.AC.Store); err != nil {
			return err
		}
	}
	if svc.ByteStream != nil {
		if err := c.storeRef("bytestream", svc.ByteStream.Store); err != nil {
			return err
		}
	}
	if svc.Execution != nil {
		if err := c.schedulerRef("execution", svc.Execution.Scheduler); err != nil {
			return err
		}
		if err := c.storeRef("execution cas_store", svc.Execution.CASStore); err != nil {
			return err
		}
		if err := c.storeRef("execution ac_store", svc.Execution.ACStore); err != nil {
			return err
		}
	}
	if svc.Capabilities != nil {
		if err := c.schedulerRef("capabilities", svc.Capabilities.Scheduler); err != nil {
			return err
		}
	}
	if svc.WorkerAPI != nil {
		if srv.HTTPListenAddress == "" {
			return errors.New(errors.CodeInvalidArgument,
				"worker_api needs an http_listen_address")
		}
		if err := c.schedulerRef("worker_api", svc.WorkerAPI.Scheduler); err != nil {
			return err
		}
	}
	if svc.Prometheus != nil && srv.HTTPListenAddress == "" {
		return errors.New(errors.CodeInvalidArgument,
			"prometheus needs an http_listen_address")
	}
	return nil
}

func (c *Config) storeRef(where, name string) error {
	if name == "" {
		return errors.New(errors.CodeInvalidArgument, "%s: store reference is required", where)
	}
	if _, ok := c.Stores[name]; !ok {
		return errors.New(errors.CodeInvalidArgument, "%s references unknown store %q", where, name)
	}
	return nil
}

func (c *Config) schedulerRef(where, name string) error {
	if name == "" {
		return errors.New(errors.CodeInvalidArgument, "%s: scheduler reference is required", where)
	}
	if _, ok := c.Schedulers[name]; !ok {
		return errors.New(errors.CodeInvalidArgument, "%s references unknown scheduler %q", where, name)
	}
	return nil
}

func oneOf(what string, set ...bool) error {
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	if n != 1 {
		return errors.New(errors.CodeInvalidArgument, "%s must select exactly one backend", what)
	}
	return nil
}
