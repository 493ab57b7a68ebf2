// Package main provides the CLI entry point for ss-local.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/postalsys/ss-local/internal/config"
	"github.com/postalsys/ss-local/internal/logging"
	"github.com/postalsys/ss-local/internal/metrics"
	"github.com/postalsys/ss-local/internal/privdrop"
	"github.com/postalsys/ss-local/internal/proxy"
	"github.com/postalsys/ss-local/internal/statusserver"
	"github.com/postalsys/ss-local/internal/wizard"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ss-local",
		Short:   "ss-local - a local SOCKS5-to-shadowsocks proxy",
		Version: Version,
		Long: `ss-local exposes a SOCKS5 proxy on the local machine and relays
connections through an encrypted shadowsocks tunnel to an upstream
server, optionally bypassing the tunnel for destinations matched by
an allowlist.`,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(versionCmd())

	// Running with no subcommand starts the proxy, matching the classic
	// shadowsocks-libev invocation style.
	if len(os.Args) == 1 {
		rootCmd.SetArgs([]string{"run"})
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runFlags struct {
	servers         []string
	localAddr       string
	localPort       int
	password        string
	method          string
	timeout         int
	iface           string
	udpRelay        bool
	fastOpen        bool
	user            string
	aclPath         string
	maxConnections  int
	acceptRateLimit float64
	logLevel        string
	logFormat       string
	metricsAddress  string
	configPath      string
}

func runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy (default when no subcommand is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(f)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			listener, err := proxy.New(cfg, metrics.Default(), logger)
			if err != nil {
				return fmt.Errorf("failed to build proxy: %w", err)
			}
			if err := listener.Start(); err != nil {
				return fmt.Errorf("failed to start proxy: %w", err)
			}
			logger.Info("ss-local started", "local", listener.Address().String())

			if cfg.User != "" {
				if err := privdrop.Drop(cfg.User); err != nil {
					logger.Warn("privilege drop failed, continuing with current privileges", "user", cfg.User, logging.KeyError, err)
				} else {
					logger.Info("dropped privileges", "user", cfg.User)
				}
			}

			if cfg.PIDFile != "" {
				if err := writePIDFile(cfg.PIDFile); err != nil {
					logger.Warn("failed to write pid file", "path", cfg.PIDFile, logging.KeyError, err)
				} else {
					defer os.Remove(cfg.PIDFile)
				}
			}

			var status *statusserver.Server
			if cfg.MetricsAddress != "" {
				status = statusserver.NewServer(cfg.MetricsAddress, listener)
				if err := status.Start(); err != nil {
					return fmt.Errorf("failed to start status server: %w", err)
				}
				logger.Info("status server started", "address", cfg.MetricsAddress)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if status != nil {
				status.Stop()
			}
			if err := listener.Shutdown(ctx); err != nil {
				logger.Error("shutdown error", logging.KeyError, err)
				return err
			}
			logger.Info("ss-local stopped")
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&f.servers, "server", "s", nil, "Upstream server host:port (repeatable)")
	cmd.Flags().StringVarP(&f.localAddr, "local-address", "b", "", "Local bind address")
	cmd.Flags().IntVarP(&f.localPort, "local-port", "p", 0, "Local SOCKS5 port")
	cmd.Flags().StringVarP(&f.password, "password", "k", "", "Shared password")
	cmd.Flags().StringVarP(&f.method, "method", "m", "", "Cipher method")
	cmd.Flags().IntVarP(&f.timeout, "timeout", "t", 0, "Connect timeout in seconds (also the basis for the idle timeout)")
	cmd.Flags().StringVarP(&f.iface, "interface", "i", "", "Outbound network interface to bind upstream dials to")
	cmd.Flags().BoolVarP(&f.udpRelay, "udp-relay", "u", false, "Enable UDP ASSOCIATE support")
	cmd.Flags().BoolVar(&f.fastOpen, "fast-open", false, "Attempt TCP Fast Open on upstream connects")
	cmd.Flags().StringVarP(&f.user, "user", "a", "", "Username to drop privileges to after binding")
	cmd.Flags().StringVar(&f.aclPath, "acl", "", "Path to an ACL file of bypass rules")
	cmd.Flags().IntVar(&f.maxConnections, "max-connections", 0, "Maximum concurrent SOCKS5 connections")
	cmd.Flags().Float64Var(&f.acceptRateLimit, "accept-rate-limit", 0, "Max new connections/sec, 0 = unlimited")
	cmd.Flags().StringVarP(&f.logLevel, "verbose", "v", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format: text, json")
	cmd.Flags().StringVar(&f.metricsAddress, "metrics-address", "", "Address to serve /metrics and /status on, empty disables it")
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file; flags override its values")

	return cmd
}

// resolveConfig loads cfg.configPath if set, then applies any flags the
// user explicitly passed on top of it, so a config file can supply
// defaults (servers, password) while individual flags still override.
func resolveConfig(f runFlags) (*config.Config, error) {
	var cfg *config.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if len(f.servers) > 0 {
		servers := make([]config.Upstream, 0, len(f.servers))
		for _, s := range f.servers {
			host, portStr, err := splitHostPort(s)
			if err != nil {
				return nil, fmt.Errorf("invalid -s %q: %w", s, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid port in -s %q: %w", s, err)
			}
			servers = append(servers, config.Upstream{Host: host, Port: port})
		}
		cfg.Servers = servers
	}
	if f.localAddr != "" {
		cfg.Local.Address = f.localAddr
	}
	if f.localPort != 0 {
		cfg.Local.Port = f.localPort
	}
	if f.password != "" {
		cfg.Password = f.password
	}
	if f.method != "" {
		cfg.Method = f.method
	}
	if f.timeout != 0 {
		cfg.Timeout = time.Duration(f.timeout) * time.Second
	}
	if f.iface != "" {
		cfg.Interface = f.iface
	}
	cfg.UDPRelay = cfg.UDPRelay || f.udpRelay
	cfg.FastOpen = cfg.FastOpen || f.fastOpen
	if f.user != "" {
		cfg.User = f.user
	}
	if f.aclPath != "" {
		cfg.ACLPath = f.aclPath
	}
	if f.maxConnections != 0 {
		cfg.MaxConnections = f.maxConnections
	}
	if f.acceptRateLimit != 0 {
		cfg.AcceptRateLimit = f.acceptRateLimit
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}
	if f.metricsAddress != "" {
		cfg.MetricsAddress = f.metricsAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writePIDFile records the current process's PID, truncating any stale
// file left behind by a previous run.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ss-local version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("ss-local", Version)
			return nil
		},
	}
}

func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("expected host:port")
	}
	return s[:idx], s[idx+1:], nil
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file without starting the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Println(cfg.String())
			fmt.Println("configuration is valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func setupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Run the interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			if configPath != "" {
				if err := w.LoadExisting(configPath); err != nil {
					return err
				}
			}
			_, err := w.Run()
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Existing config file to use as defaults")
	return cmd
}
