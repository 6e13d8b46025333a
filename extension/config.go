package extension

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alovak/payment-extension/internal/auth"
)

const (
	PlatformHTTP     = "http"
	PlatformMemory   = "mem"
	PlatformPostgres = "pg"

	GatewayHTTP    = "http"
	GatewayISO8583 = "iso8583"
)

// ConfigEnv holds an inline YAML (or JSON) document used when no config
// file is given.
const ConfigEnv = "EXTENSION_CONFIG"

// Config is a configuration for the extension application
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	// AuthMode is "strict" (credential must match) or "presence" (the
	// project must have a credential; the presented one is not checked).
	AuthMode    string        `yaml:"auth_mode"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// RateLimit is requests per second per project on authenticated
	// routes. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	DevRoutes bool    `yaml:"dev_routes"`

	Projects map[string]ProjectConfig `yaml:"projects"`
	Platform PlatformConfig           `yaml:"platform"`
	Gateway  GatewayConfig            `yaml:"gateway"`
	Throttle ThrottleConfig           `yaml:"throttle"`
}

type ProjectConfig struct {
	Credential string `yaml:"credential"`
	// APIURL and AccessToken are used by the http platform backend.
	APIURL      string `yaml:"api_url"`
	AccessToken string `yaml:"access_token"`
}

type PlatformConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

type GatewayConfig struct {
	Backend         string `yaml:"backend"`
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	MerchantAccount string `yaml:"merchant_account"`
	// AcquirerAddr is the ISO 8583 host:port for the iso8583 backend.
	AcquirerAddr string `yaml:"acquirer_addr"`
}

type ThrottleConfig struct {
	Delay time.Duration `yaml:"delay"`
	// DenylistPath enables bolt persistence of the denylist.
	DenylistPath string `yaml:"denylist_path"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:    "localhost:8080",
		AuthMode:    auth.ModeStrict.String(),
		CallTimeout: 10 * time.Second,
		Projects:    map[string]ProjectConfig{},
		Platform: PlatformConfig{
			Backend: PlatformHTTP,
		},
		Gateway: GatewayConfig{
			Backend: GatewayHTTP,
		},
		Throttle: ThrottleConfig{
			Delay: 15 * time.Second,
		},
	}
}

// LoadConfig reads the config file at path, or ConfigEnv when path is
// empty, on top of DefaultConfig and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		raw = b
	} else if v := os.Getenv(ConfigEnv); v != "" {
		raw = []byte(v)
	}

	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.AuthMode = getenv("AUTH_MODE", c.AuthMode)
	c.Platform.Backend = getenv("PLATFORM_BACKEND", c.Platform.Backend)
	c.Platform.DSN = getenv("DB_DSN", c.Platform.DSN)
	c.Gateway.Backend = getenv("GATEWAY_BACKEND", c.Gateway.Backend)
	c.Gateway.URL = getenv("GATEWAY_URL", c.Gateway.URL)
	c.Gateway.APIKey = getenv("GATEWAY_API_KEY", c.Gateway.APIKey)
	c.Throttle.DenylistPath = getenv("DENYLIST_PATH", c.Throttle.DenylistPath)

	if v := getenv("THROTTLE_DELAY", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			// plain numbers are milliseconds
			ms, convErr := strconv.ParseInt(v, 10, 64)
			if convErr != nil {
				return fmt.Errorf("parsing THROTTLE_DELAY: %w", err)
			}
			d = time.Duration(ms) * time.Millisecond
		}
		c.Throttle.Delay = d
	}

	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := auth.ParseMode(c.AuthMode); err != nil {
		errs = append(errs, err)
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call_timeout must be positive, got %s", c.CallTimeout))
	}
	if c.Throttle.Delay < 0 {
		errs = append(errs, fmt.Errorf("throttle.delay must not be negative, got %s", c.Throttle.Delay))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative"))
	}

	for key, p := range c.Projects {
		if key == "" {
			errs = append(errs, errors.New("project key must not be empty"))
		}
		if c.Platform.Backend == PlatformHTTP && p.APIURL == "" {
			errs = append(errs, fmt.Errorf("project %s: api_url is required for http platform", key))
		}
	}

	switch c.Platform.Backend {
	case PlatformHTTP, PlatformMemory:
	case PlatformPostgres:
		if c.Platform.DSN == "" {
			errs = append(errs, errors.New("platform.dsn (DB_DSN) is required for pg platform"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported platform backend %q", c.Platform.Backend))
	}

	switch c.Gateway.Backend {
	case GatewayHTTP:
		if c.Gateway.URL == "" {
			errs = append(errs, errors.New("gateway.url (GATEWAY_URL) is required for http gateway"))
		}
	case GatewayISO8583:
		if c.Gateway.AcquirerAddr == "" {
			errs = append(errs, errors.New("gateway.acquirer_addr is required for iso8583 gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported gateway backend %q", c.Gateway.Backend))
	}

	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
