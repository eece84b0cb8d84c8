package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"clawbrick/internal/secret"
)

// ErrConfiguration is matched by every configuration failure.
var ErrConfiguration = errors.New("configuration error")

// Config is the process-wide configuration shared by the server and CLI.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Terraform    TerraformConfig    `yaml:"terraform"`
	Vultr        VultrConfig        `yaml:"vultr"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Secrets      SecretsConfig      `yaml:"secrets"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// DeployRate is the sustained deploy requests per second allowed per client.
	DeployRate  float64       `yaml:"deploy_rate"`
	DeployBurst int           `yaml:"deploy_burst"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// StoreConfig selects the agent record backend: postgres, sqlite or memory.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

type TerraformConfig struct {
	Binary         string        `yaml:"binary"`
	TemplateDir    string        `yaml:"template_dir"`
	WorkDir        string        `yaml:"work_dir"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
	OutputTimeout  time.Duration `yaml:"output_timeout"`
	DestroyTimeout time.Duration `yaml:"destroy_timeout"`
}

// VultrConfig holds the cloud credential. RemoteLifecycle makes start, stop
// and restart act on the VM through the Vultr API as well as on the record.
type VultrConfig struct {
	APIKey          string        `yaml:"api_key"`
	RemoteLifecycle bool          `yaml:"remote_lifecycle"`
	Timeout         time.Duration `yaml:"timeout"`
}

type ProvisioningConfig struct {
	Domain            string        `yaml:"domain"`
	AdminEmail        string        `yaml:"admin_email"`
	ControlServer     string        `yaml:"control_server"`
	DefaultRegion     string        `yaml:"default_region"`
	DefaultPlan       string        `yaml:"default_plan"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
	// DestroyMode is "async" (return once the record is marked destroyed) or
	// "sync" (also wait for terraform destroy).
	DestroyMode string `yaml:"destroy_mode"`
}

// SecretsConfig supplies the AES key either as 64 hex characters or as a
// passphrase stretched with a fixed salt.
type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
	Passphrase    string `yaml:"passphrase"`
	Salt          string `yaml:"salt"`
}

// Key resolves the configured AES-256 key.
func (s SecretsConfig) Key() ([]byte, error) {
	if s.EncryptionKey != "" {
		return secret.ParseKey(s.EncryptionKey)
	}
	return secret.DeriveKey(s.Passphrase, s.Salt)
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			DeployRate:  0.2,
			DeployBurst: 3,
			ReadTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver: "postgres",
			Path:   "clawbrick.db",
		},
		Terraform: TerraformConfig{
			Binary:         "terraform",
			TemplateDir:    "deploy/terraform/openclaw",
			WorkDir:        "deploy/terraform/workspaces",
			InitTimeout:    120 * time.Second,
			ApplyTimeout:   300 * time.Second,
			OutputTimeout:  30 * time.Second,
			DestroyTimeout: 300 * time.Second,
		},
		Vultr: VultrConfig{
			Timeout: 30 * time.Second,
		},
		Provisioning: ProvisioningConfig{
			Domain:            "clawbrick.com",
			DefaultRegion:     "bom",
			DefaultPlan:       "vc2-1c-2gb",
			HeartbeatInterval: 30 * time.Second,
			StaleAfter:        15 * time.Minute,
			ReconcileSchedule: "@every 1m",
			DestroyMode:       "async",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file (optional), applies env overrides, then any
// caller overrides (command-line flags), and validates.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := validatePermissions(path); err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	ApplyEnvOverrides(cfg)
	for _, o := range overrides {
		o(cfg)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CLAWBRICK_* and the legacy deployment variables to
// config fields. Legacy names are read first so CLAWBRICK_* wins.
func ApplyEnvOverrides(cfg *Config) {
	setStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
			}
		}
	}
	setDur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	setStr(&cfg.Server.Addr, "CLAWBRICK_ADDR")
	if v := os.Getenv("CLAWBRICK_DEPLOY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.DeployRate = f
		}
	}

	setStr(&cfg.Store.Driver, "CLAWBRICK_STORE_DRIVER")
	setStr(&cfg.Store.DSN, "DATABASE_URL", "CLAWBRICK_STORE_DSN")
	setStr(&cfg.Store.Path, "CLAWBRICK_STORE_PATH")

	setStr(&cfg.Terraform.Binary, "CLAWBRICK_TERRAFORM_BINARY")
	setStr(&cfg.Terraform.TemplateDir, "CLAWBRICK_TERRAFORM_TEMPLATE_DIR")
	setStr(&cfg.Terraform.WorkDir, "CLAWBRICK_TERRAFORM_WORK_DIR")
	setDur(&cfg.Terraform.ApplyTimeout, "CLAWBRICK_TERRAFORM_APPLY_TIMEOUT")

	setStr(&cfg.Vultr.APIKey, "VULTR_API_KEY", "CLAWBRICK_VULTR_API_KEY")
	if v := os.Getenv("CLAWBRICK_VULTR_REMOTE_LIFECYCLE"); v != "" {
		cfg.Vultr.RemoteLifecycle = v == "true"
	}

	setStr(&cfg.Provisioning.Domain, "CLAWBRICK_DOMAIN")
	setStr(&cfg.Provisioning.AdminEmail, "ADMIN_EMAIL", "CLAWBRICK_ADMIN_EMAIL")
	setStr(&cfg.Provisioning.ControlServer, "CONTROL_SERVER_IP", "CLAWBRICK_CONTROL_SERVER")
	setStr(&cfg.Provisioning.DestroyMode, "CLAWBRICK_DESTROY_MODE")
	setDur(&cfg.Provisioning.StaleAfter, "CLAWBRICK_STALE_AFTER")

	setStr(&cfg.Secrets.EncryptionKey, "ENCRYPTION_KEY", "CLAWBRICK_ENCRYPTION_KEY")
	setStr(&cfg.Secrets.Passphrase, "CLAWBRICK_SECRETS_PASSPHRASE")
	setStr(&cfg.Secrets.Salt, "CLAWBRICK_SECRETS_SALT")

	setStr(&cfg.Logger.Level, "CLAWBRICK_LOGGER_LEVEL")
	setStr(&cfg.Logger.Format, "CLAWBRICK_LOGGER_FORMAT")
	setStr(&cfg.Logger.Output, "CLAWBRICK_LOGGER_OUTPUT")
	if v := os.Getenv("CLAWBRICK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	setStr(&cfg.Tracer.Exporter, "CLAWBRICK_TRACER_EXPORTER")
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("%w: config file %s is writable by others (%o)", ErrConfiguration, path, mode)
	}
	return nil
}
