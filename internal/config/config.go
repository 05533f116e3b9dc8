// config.go — YAML configuration, validated at load time into a typed
// Config with one error per out-of-range field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML duration strings ("30s", "5m") the way
// encoding/json would if time.Duration supported it natively; yaml.v3
// has no built-in notion of a duration scalar.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Timeout        Duration `yaml:"timeout"`
	MaxConnections int      `yaml:"maxConnections"`
}

type BrowserConfig struct {
	Headless       bool     `yaml:"headless"`
	MaxSessions    int      `yaml:"maxSessions"`
	SessionTimeout Duration `yaml:"sessionTimeout"`
}

type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

type SecurityConfig struct {
	AllowedDomains       []string        `yaml:"allowedDomains"`
	RateLimit            RateLimitConfig `yaml:"rateLimit"`
	AutoApproveLocalhost bool            `yaml:"autoApproveLocalhost"`
}

// WarmShape names one (viewport, user-agent) fingerprint the pool should
// pre-warm WarmupOnStart contexts for.
type WarmShape struct {
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	UserAgent string `yaml:"userAgent"`
}

type ContextPoolConfig struct {
	Min            int         `yaml:"min"`
	Max            int         `yaml:"max"`
	MaxIdleTime    Duration    `yaml:"maxIdleTime"`
	WarmupOnStart  bool        `yaml:"warmupOnStart"`
	ReuseThreshold int         `yaml:"reuseThreshold"`
	WarmShapes     []WarmShape `yaml:"warmShapes"`
}

type PerformanceConfig struct {
	MemoryLimit          int64             `yaml:"memoryLimit"`
	EnableContextPooling bool              `yaml:"enableContextPooling"`
	ContextPool          ContextPoolConfig `yaml:"contextPool"`
}

type MonitoringConfig struct {
	EnableHealthCheck bool              `yaml:"enableHealthCheck"`
	EnableMetrics     bool              `yaml:"enableMetrics"`
	Paths             map[string]string `yaml:"paths"`
}

// Config is the full, validated gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	Security    SecurityConfig    `yaml:"security"`
	Performance PerformanceConfig `yaml:"performance"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// Default returns every field at its documented default.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: 8765, Host: "127.0.0.1", Timeout: Duration(30 * time.Second), MaxConnections: 100,
		},
		Browser: BrowserConfig{
			Headless: true, MaxSessions: 50, SessionTimeout: Duration(10 * time.Minute),
		},
		Security: SecurityConfig{
			AllowedDomains:       nil,
			RateLimit:            RateLimitConfig{Requests: 30, Window: Duration(time.Minute)},
			AutoApproveLocalhost: true,
		},
		Performance: PerformanceConfig{
			MemoryLimit:          2 << 30, // 2 GiB
			EnableContextPooling: true,
			ContextPool: ContextPoolConfig{
				Min: 2, Max: 10, MaxIdleTime: Duration(5 * time.Minute), WarmupOnStart: true, ReuseThreshold: 50,
				WarmShapes: []WarmShape{
					{Width: 1280, Height: 720, UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"},
				},
			},
		},
		Monitoring: MonitoringConfig{
			EnableHealthCheck: true, EnableMetrics: true,
			Paths: map[string]string{"health": "/healthz", "metrics": "/metrics"},
		},
	}
}

// Load reads and validates a YAML config file, merging unset fields with
// Default() first so a partial file is legal input.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return Config{}, fmt.Errorf("config %s failed validation: %w", path, joinErrors(errs))
	}
	return cfg, nil
}

// Validate reports every out-of-range field as its own error. Out-of-range
// values are rejected outright, never silently clamped.
func (c Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range [1, 65535]", c.Server.Port))
	}
	if c.Server.Host == "" {
		errs = append(errs, fmt.Errorf("server.host must not be empty"))
	}
	if c.Server.Timeout.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("server.timeout must be positive"))
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("server.maxConnections must be >= 1"))
	}

	if c.Browser.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("browser.maxSessions must be >= 1"))
	}
	if c.Browser.SessionTimeout.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("browser.sessionTimeout must be positive"))
	}

	if c.Security.RateLimit.Requests < 1 {
		errs = append(errs, fmt.Errorf("security.rateLimit.requests must be >= 1"))
	}
	if c.Security.RateLimit.Window.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("security.rateLimit.window must be positive"))
	}

	if c.Performance.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("performance.memoryLimit must be >= 0"))
	}
	cp := c.Performance.ContextPool
	if cp.Min < 0 {
		errs = append(errs, fmt.Errorf("performance.contextPool.min must be >= 0"))
	}
	if cp.Max < 1 {
		errs = append(errs, fmt.Errorf("performance.contextPool.max must be >= 1"))
	}
	if cp.Min > cp.Max {
		errs = append(errs, fmt.Errorf("performance.contextPool.min (%d) must be <= max (%d)", cp.Min, cp.Max))
	}
	if cp.MaxIdleTime.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("performance.contextPool.maxIdleTime must be positive"))
	}
	if cp.ReuseThreshold < 1 {
		errs = append(errs, fmt.Errorf("performance.contextPool.reuseThreshold must be >= 1"))
	}
	for i, shape := range cp.WarmShapes {
		if shape.Width < 1 || shape.Height < 1 {
			errs = append(errs, fmt.Errorf("performance.contextPool.warmShapes[%d] must have positive width and height", i))
		}
	}

	return errs
}

func joinErrors(errs []error) error {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return fmt.Errorf("%s", msg)
}
