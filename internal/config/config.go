// Package config provides configuration parsing and validation for ss-local.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Upstream is one configured relay server.
type Upstream struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// String renders the upstream as host:port.
func (u Upstream) String() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// LocalConfig is the address the SOCKS5 listener binds to.
type LocalConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Config is the complete ss-local configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	Local    LocalConfig `yaml:"local"`
	Servers  []Upstream  `yaml:"servers"`
	Password string      `yaml:"password"`
	Method   string      `yaml:"method"` // cipher method, see internal/cipher

	// Timeout is both the one-shot connect timeout and, per the shadowsocks
	// convention this proxy follows, the basis for the idle timeout
	// (idle = Timeout * 60).
	Timeout time.Duration `yaml:"timeout"`

	UDPRelay bool   `yaml:"udp_relay"`
	FastOpen bool   `yaml:"fast_open"`
	Interface string `yaml:"interface"`
	PIDFile  string `yaml:"pid_file"`
	User     string `yaml:"user"`

	MaxConnections  int     `yaml:"max_connections"`
	AcceptRateLimit float64 `yaml:"accept_rate_limit"` // accepts/sec, 0 = unlimited

	ACLPath string `yaml:"acl_path"`

	MetricsAddress string `yaml:"metrics_address"` // empty disables /metrics and /status
}

// Default returns a Config populated with sane defaults.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Local: LocalConfig{
			Address: "127.0.0.1",
			Port:    1080,
		},
		Method:          "chacha20-ietf-poly1305",
		Timeout:         10 * time.Second,
		MaxConnections:  1024,
		AcceptRateLimit: 0,
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors, collecting every violation
// rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Servers) == 0 {
		errs = append(errs, "servers: at least one upstream server is required")
	}
	for i, s := range c.Servers {
		if s.Host == "" {
			errs = append(errs, fmt.Sprintf("servers[%d].host is required", i))
		}
		if s.Port < 1 || s.Port > 65535 {
			errs = append(errs, fmt.Sprintf("servers[%d].port must be between 1 and 65535", i))
		}
	}

	if c.Local.Port < 1 || c.Local.Port > 65535 {
		errs = append(errs, "local.port must be between 1 and 65535")
	}

	if c.Password == "" {
		errs = append(errs, "password is required")
	}

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if c.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}

	if c.MaxConnections < 1 {
		errs = append(errs, "max_connections must be positive")
	}

	if c.AcceptRateLimit < 0 {
		errs = append(errs, "accept_rate_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// IdleTimeout derives the relay idle timeout from the configured connect
// timeout, per the shadowsocks convention this proxy follows: one minute of
// idle grace per configured timeout second.
func (c *Config) IdleTimeout() time.Duration {
	return c.Timeout * 60
}

// redactedValue is the placeholder for sensitive values in String().
const redactedValue = "[REDACTED]"

// String returns a YAML representation of the config with the password
// redacted. Use StringUnsafe to include it.
func (c *Config) String() string {
	redacted := *c
	if redacted.Password != "" {
		redacted.Password = redactedValue
	}
	data, _ := yaml.Marshal(&redacted)
	return string(data)
}

// StringUnsafe returns a full YAML representation including the password.
// Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
