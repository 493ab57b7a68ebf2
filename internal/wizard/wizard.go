// Package wizard provides an interactive setup wizard for ss-local.
package wizard

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/postalsys/ss-local/internal/cipher"
	"github.com/postalsys/ss-local/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	existingCfg *config.Config // loaded from an existing config file, used as defaults
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{}
}

// LoadExisting loads path as the defaults source for the wizard's prompts.
// A missing file is not an error: the wizard falls back to config.Default().
func (w *Wizard) LoadExisting(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	w.existingCfg = cfg
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func (w *Wizard) printBanner() {
	fmt.Println(headerStyle.Render("ss-local setup"))
	fmt.Println(dimStyle.Render("Configure a local SOCKS5-to-shadowsocks proxy."))
	fmt.Println()
}

// Run walks the user through configuring servers, credentials, the local
// listener, and the operational knobs, then returns the assembled config.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	defaults := config.Default()
	if w.existingCfg != nil {
		defaults = w.existingCfg
	}

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	servers, err := w.askServers(defaults.Servers)
	if err != nil {
		return nil, err
	}

	password, method, err := w.askCredentials(defaults.Password, defaults.Method)
	if err != nil {
		return nil, err
	}

	local, err := w.askLocalListener(defaults.Local)
	if err != nil {
		return nil, err
	}

	aclPath, udpRelay, fastOpen, err := w.askTunnelOptions(defaults.ACLPath, defaults.UDPRelay, defaults.FastOpen)
	if err != nil {
		return nil, err
	}

	operational, err := w.askOperational(defaults)
	if err != nil {
		return nil, err
	}

	cfg := w.buildConfig(servers, password, method, local, aclPath, udpRelay, fastOpen, operational)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func (w *Wizard) askConfigPath() (string, error) {
	path := "/etc/ss-local/config.yaml"
	if home, err := os.UserHomeDir(); err == nil {
		path = filepath.Join(home, ".config", "ss-local", "config.yaml")
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Config file path").
				Value(&path).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("path is required")
					}
					return nil
				}),
		),
	).Run()
	return path, err
}

type serverEntry struct {
	Host string
	Port string
}

// askServers prompts for at least one upstream relay. Additional servers can
// be added one at a time; the dialer picks among them at random per session.
func (w *Wizard) askServers(existing []config.Upstream) ([]config.Upstream, error) {
	var servers []config.Upstream

	first := serverEntry{Host: "", Port: "8388"}
	if len(existing) > 0 {
		first = serverEntry{Host: existing[0].Host, Port: strconv.Itoa(existing[0].Port)}
	}

	for {
		entry := first
		first = serverEntry{Port: "8388"}

		err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Upstream server host").
					Description("Hostname or IP of the shadowsocks relay.").
					Value(&entry.Host).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("host is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Upstream server port").
					Value(&entry.Port).
					Validate(validatePort),
			),
		).Run()
		if err != nil {
			return nil, err
		}

		port, _ := strconv.Atoi(entry.Port)
		servers = append(servers, config.Upstream{Host: entry.Host, Port: port})

		addAnother := false
		if err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another upstream server?").
					Value(&addAnother),
			),
		).Run(); err != nil {
			return nil, err
		}
		if !addAnother {
			break
		}
	}

	return servers, nil
}

func (w *Wizard) askCredentials(defaultPassword, defaultMethod string) (password, method string, err error) {
	password = defaultPassword
	method = defaultMethod
	if method == "" {
		method = "chacha20-ietf-poly1305"
	}

	methods := cipher.Methods()
	options := make([]huh.Option[string], len(methods))
	for i, m := range methods {
		options[i] = huh.NewOption(m, m)
	}

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Shared password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("password is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Cipher method").
				Options(options...).
				Value(&method),
		),
	).Run()
	return password, method, err
}

func (w *Wizard) askLocalListener(defaults config.LocalConfig) (config.LocalConfig, error) {
	local := defaults
	if local.Address == "" {
		local.Address = "127.0.0.1"
	}
	if local.Port == 0 {
		local.Port = 1080
	}
	portStr := strconv.Itoa(local.Port)

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Local bind address").
				Description("SOCKS5 clients connect here.").
				Value(&local.Address).
				Validate(func(s string) error {
					if net.ParseIP(s) == nil {
						return fmt.Errorf("not a valid IP address")
					}
					return nil
				}),
			huh.NewInput().
				Title("Local bind port").
				Value(&portStr).
				Validate(validatePort),
		),
	).Run()
	if err != nil {
		return local, err
	}
	local.Port, _ = strconv.Atoi(portStr)
	return local, nil
}

func (w *Wizard) askTunnelOptions(defaultACL string, defaultUDP, defaultFastOpen bool) (aclPath string, udpRelay, fastOpen bool, err error) {
	aclPath = defaultACL
	udpRelay = defaultUDP
	fastOpen = defaultFastOpen
	var useACL bool
	if aclPath != "" {
		useACL = true
	}

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Bypass an allowlist of destinations instead of tunneling everything?").
				Value(&useACL),
		),
	).Run()
	if err != nil {
		return "", false, false, err
	}

	if useACL {
		if err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("ACL file path").
					Description("One IPv4 CIDR or domain suffix per line; matches bypass the tunnel.").
					Value(&aclPath).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("path is required")
						}
						return nil
					}),
			),
		).Run(); err != nil {
			return "", false, false, err
		}
	} else {
		aclPath = ""
	}

	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Relay UDP ASSOCIATE requests?").
				Value(&udpRelay),
			huh.NewConfirm().
				Title("Attempt TCP Fast Open?").
				Description("Falls back automatically if the kernel doesn't support it.").
				Value(&fastOpen),
		),
	).Run(); err != nil {
		return "", false, false, err
	}

	return aclPath, udpRelay, fastOpen, nil
}

type operationalAnswers struct {
	LogLevel        string
	LogFormat       string
	Timeout         string
	MaxConnections  string
	AcceptRateLimit string
	MetricsAddress  string
	EnableMetrics   bool
	User            string
}

func (w *Wizard) askOperational(defaults *config.Config) (operationalAnswers, error) {
	a := operationalAnswers{
		LogLevel:        defaults.LogLevel,
		LogFormat:       defaults.LogFormat,
		Timeout:         strconv.Itoa(int(defaults.Timeout / time.Second)),
		MaxConnections:  strconv.Itoa(defaults.MaxConnections),
		AcceptRateLimit: strconv.FormatFloat(defaults.AcceptRateLimit, 'f', -1, 64),
		MetricsAddress:  defaults.MetricsAddress,
		EnableMetrics:   defaults.MetricsAddress != "",
		User:            defaults.User,
	}
	if a.LogLevel == "" {
		a.LogLevel = "info"
	}
	if a.LogFormat == "" {
		a.LogFormat = "text"
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&a.LogLevel),
			huh.NewSelect[string]().
				Title("Log format").
				Options(
					huh.NewOption("text", "text"),
					huh.NewOption("json", "json"),
				).
				Value(&a.LogFormat),
			huh.NewInput().
				Title("Connect timeout (seconds)").
				Value(&a.Timeout).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Max concurrent connections").
				Value(&a.MaxConnections).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Accept rate limit (connections/sec, 0 = unlimited)").
				Value(&a.AcceptRateLimit).
				Validate(func(s string) error {
					_, err := strconv.ParseFloat(s, 64)
					return err
				}),
			huh.NewConfirm().
				Title("Expose Prometheus metrics and a status page?").
				Value(&a.EnableMetrics),
			huh.NewInput().
				Title("Drop privileges to this user after binding (blank to skip)").
				Value(&a.User),
		),
	).Run()
	if err != nil {
		return a, err
	}

	if a.EnableMetrics {
		if a.MetricsAddress == "" {
			a.MetricsAddress = "127.0.0.1:9090"
		}
		if err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Metrics listen address").
					Value(&a.MetricsAddress).
					Validate(func(s string) error {
						_, _, err := net.SplitHostPort(s)
						return err
					}),
			),
		).Run(); err != nil {
			return a, err
		}
	} else {
		a.MetricsAddress = ""
	}

	return a, nil
}

func (w *Wizard) buildConfig(servers []config.Upstream, password, method string, local config.LocalConfig, aclPath string, udpRelay, fastOpen bool, a operationalAnswers) *config.Config {
	timeoutSec, _ := strconv.Atoi(a.Timeout)
	maxConns, _ := strconv.Atoi(a.MaxConnections)
	rateLimit, _ := strconv.ParseFloat(a.AcceptRateLimit, 64)

	return &config.Config{
		LogLevel:        a.LogLevel,
		LogFormat:       a.LogFormat,
		Local:           local,
		Servers:         servers,
		Password:        password,
		Method:          method,
		Timeout:         time.Duration(timeoutSec) * time.Second,
		UDPRelay:        udpRelay,
		FastOpen:        fastOpen,
		MaxConnections:  maxConns,
		AcceptRateLimit: rateLimit,
		ACLPath:         aclPath,
		MetricsAddress:  a.MetricsAddress,
		User:            a.User,
	}
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := "# ss-local configuration\n# generated by the setup wizard\n\n"
	data := cfg.StringUnsafe()
	if err := os.WriteFile(path, []byte(header+data), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	fmt.Println()
	fmt.Println(headerStyle.Render("Setup complete"))
	fmt.Println()
	fmt.Printf("  Config file:   %s\n", configPath)
	fmt.Printf("  Local listen:  %s:%d\n", cfg.Local.Address, cfg.Local.Port)
	for _, s := range cfg.Servers {
		fmt.Printf("  Upstream:      %s (%s)\n", s.String(), cfg.Method)
	}
	if cfg.ACLPath != "" {
		fmt.Printf("  ACL bypass:    %s\n", cfg.ACLPath)
	}
	if cfg.User != "" {
		fmt.Printf("  Drop to user:  %s\n", cfg.User)
	}
	if cfg.UDPRelay {
		fmt.Println("  UDP relay:     enabled")
	}
	if cfg.FastOpen {
		fmt.Println("  Fast Open:     enabled")
	}
	if cfg.MetricsAddress != "" {
		fmt.Printf("  Metrics:       http://%s/metrics\n", cfg.MetricsAddress)
	}
	fmt.Println()
	fmt.Println("  To start the proxy:")
	fmt.Printf("    ss-local run -c %s\n", configPath)
	fmt.Println()
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a number")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("must be between 1 and 65535")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a number")
	}
	if n < 1 {
		return fmt.Errorf("must be positive")
	}
	return nil
}
