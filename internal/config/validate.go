package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) Unwrap() error { return ErrConfiguration }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg and returns a *ValidationError listing every problem.
// A missing encryption key, cloud credential or control server address is
// reported here so the process refuses to start.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateStore(cfg, ve)
	validateTerraform(cfg, ve)
	validateProvisioning(cfg, ve)
	validateSecrets(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	}
	if cfg.Server.DeployRate < 0 {
		ve.Add("server.deploy_rate must be >= 0")
	}
	if cfg.Server.DeployRate > 0 && cfg.Server.DeployBurst <= 0 {
		ve.Add("server.deploy_burst must be > 0 when deploy_rate is set")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DSN == "" {
			ve.Add("store.dsn is required for the postgres driver (or set DATABASE_URL)")
		}
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		ve.Add("store.driver %q is not one of postgres, sqlite, memory", cfg.Store.Driver)
	}
}

func validateTerraform(cfg *Config, ve *ValidationError) {
	t := cfg.Terraform
	if t.Binary == "" {
		ve.Add("terraform.binary must not be empty")
	}
	if t.TemplateDir == "" {
		ve.Add("terraform.template_dir must not be empty")
	}
	if t.WorkDir == "" {
		ve.Add("terraform.work_dir must not be empty")
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"init_timeout", t.InitTimeout},
		{"apply_timeout", t.ApplyTimeout},
		{"output_timeout", t.OutputTimeout},
		{"destroy_timeout", t.DestroyTimeout},
	} {
		if f.d <= 0 {
			ve.Add("terraform.%s must be > 0", f.name)
		}
	}
	if cfg.Vultr.APIKey == "" {
		ve.Add("vultr.api_key is required (or set VULTR_API_KEY)")
	}
}

func validateProvisioning(cfg *Config, ve *ValidationError) {
	p := cfg.Provisioning
	if p.Domain == "" {
		ve.Add("provisioning.domain must not be empty")
	}
	if p.ControlServer == "" {
		ve.Add("provisioning.control_server is required (or set CONTROL_SERVER_IP)")
	}
	if p.HeartbeatInterval <= 0 {
		ve.Add("provisioning.heartbeat_interval must be > 0")
	}
	if p.StaleAfter <= p.HeartbeatInterval {
		ve.Add("provisioning.stale_after must exceed heartbeat_interval")
	}
	if p.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(p.ReconcileSchedule); err != nil {
			ve.Add("provisioning.reconcile_schedule: %v", err)
		}
	}
	switch p.DestroyMode {
	case "async", "sync":
	default:
		ve.Add("provisioning.destroy_mode %q is not one of async, sync", p.DestroyMode)
	}
}

func validateSecrets(cfg *Config, ve *ValidationError) {
	s := cfg.Secrets
	if s.EncryptionKey == "" && s.Passphrase == "" {
		ve.Add("secrets.encryption_key is required (or set ENCRYPTION_KEY)")
		return
	}
	if _, err := s.Key(); err != nil {
		ve.Add("secrets: %v", err)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not one of noop, stdout", cfg.Tracer.Exporter)
	}
}
