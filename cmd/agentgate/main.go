package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentgate/internal/app"
	"agentgate/internal/config"
	"agentgate/internal/logging"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

// ConfigFileEnv names the config file when --config is not given
const ConfigFileEnv = config.EnvPrefix + "CONFIG_FILE"

type rootFlags struct {
	configPath string
	host       string
	port       int
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "agentgate",
		Short: "WebSocket control-plane gateway",
		Long: `agentgate admits agent and operator clients over a WebSocket, rate-limits
failed authentication per IP and scope, tracks live sessions and presence,
and serves a read-only HTTP API with Prometheus metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file, JSON or YAML (env: "+ConfigFileEnv+")")
	root.PersistentFlags().StringVar(&flags.host, "host", "", "Override listen host")
	root.PersistentFlags().IntVarP(&flags.port, "port", "p", 0, "Override listen port")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override log level (trace, debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newCheckConfigCmd(flags))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentgate %s\n", version)
		},
	}
}

func newCheckConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

// loadConfig applies precedence defaults < env < file < flags
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}

	cfg, err := config.LoadConfigWithPrecedence(path)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("host") {
		cfg.HTTP.Host = flags.host
	}
	if f.Changed("port") {
		cfg.HTTP.Port = flags.port
	}
	if f.Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(*cfg.Log)
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	logger.Info("starting agentgate", "version", version, "addr", cfg.HTTP.Address())
	return application.Run(ctx)
}

// effectiveConfig is the printable view; secrets are masked
type effectiveConfig struct {
	Listen    string   `yaml:"listen"`
	Database  string   `yaml:"database"`
	Retention string   `yaml:"retention"`
	Schedule  string   `yaml:"retention_schedule"`
	AuthMode  string   `yaml:"auth_mode"`
	Token     string   `yaml:"token,omitempty"`
	Password  string   `yaml:"password,omitempty"`
	Proxies   []string `yaml:"trusted_proxies,omitempty"`
	AuthLimit string   `yaml:"auth_limit"`
	FrameRate string   `yaml:"frame_limit"`
	HTTPRate  string   `yaml:"http_limit"`
	Stats     string   `yaml:"stats_backend"`
	LogLevel  string   `yaml:"log_level"`
}

func printConfig(w io.Writer, cfg *config.Config) error {
	view := effectiveConfig{
		Listen:    cfg.HTTP.Address(),
		Database:  cfg.Database.Path,
		Retention: cfg.Database.Retention.String(),
		Schedule:  cfg.Database.RetentionSchedule,
		AuthMode:  cfg.Auth.Mode,
		Token:     mask(cfg.Auth.Token),
		Password:  mask(cfg.Auth.Password),
		Proxies:   cfg.Auth.TrustedProxies,
		AuthLimit: fmt.Sprintf("%d per %s, lockout %s", cfg.RateLimit.AuthMaxAttempts, cfg.RateLimit.AuthWindow, cfg.RateLimit.AuthLockout),
		FrameRate: fmt.Sprintf("%d per %s", cfg.RateLimit.FrameMaxRequests, cfg.RateLimit.FrameWindow),
		HTTPRate:  fmt.Sprintf("%g/s burst %d", cfg.RateLimit.HTTPRate, cfg.RateLimit.HTTPBurst),
		Stats:     cfg.Stats.Backend,
		LogLevel:  cfg.Log.Level,
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(view)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
