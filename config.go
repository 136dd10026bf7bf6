package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind         string
	exclusions   string
	pingInterval time.Duration
	port         int
	prefix       string
	profile      bool
	results      string
	smtpFrom     string
	smtpHost     string
	smtpPassword string
	smtpPort     int
	smtpUsername string
	tlsCert      string
	tlsKey       string
	verbose      bool
	version      bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.pingInterval < time.Second {
		return fmt.Errorf("invalid ping interval (must be at least 1s): %s", c.pingInterval)
	}
	if c.smtpHost != "" && (c.smtpPort < 1 || c.smtpPort > 65535) {
		return fmt.Errorf("invalid smtp port (must be between 1-65535 inclusive): %d", c.smtpPort)
	}
	if c.smtpHost != "" && c.smtpFrom == "" {
		return errors.New("--smtp-from is required when --smtp-host is set")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	// Credentials can live in a dotenv file next to the binary; absence is
	// fine. Loaded before viper reads the environment below.
	envFile := os.Getenv("GIFTBOX_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.SetEnvPrefix("GIFTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "giftbox",
		Short:         "A gift exchange draw server, with per-participant result delivery over websockets and email.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: GIFTBOX_BIND)")
	fs.StringVar(&cfg.exclusions, "exclusions", "exclusions.txt", "path to forbidden giver,receiver pair list (env: GIFTBOX_EXCLUSIONS)")
	fs.DurationVar(&cfg.pingInterval, "ping-interval", 30*time.Second, "interval between websocket liveness pings (env: GIFTBOX_PING_INTERVAL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: GIFTBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: GIFTBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: GIFTBOX_PROFILE)")
	fs.StringVar(&cfg.results, "results", "results.txt", "path of draw result log, appended after each draw (env: GIFTBOX_RESULTS)")
	fs.StringVar(&cfg.smtpFrom, "smtp-from", "", "sender address for result emails (env: GIFTBOX_SMTP_FROM)")
	fs.StringVar(&cfg.smtpHost, "smtp-host", "", "smtp relay host, empty disables email delivery (env: GIFTBOX_SMTP_HOST)")
	fs.StringVar(&cfg.smtpPassword, "smtp-password", "", "smtp relay password (env: GIFTBOX_SMTP_PASSWORD)")
	fs.IntVar(&cfg.smtpPort, "smtp-port", 587, "smtp relay port (env: GIFTBOX_SMTP_PORT)")
	fs.StringVar(&cfg.smtpUsername, "smtp-username", "", "smtp relay username (env: GIFTBOX_SMTP_USERNAME)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: GIFTBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: GIFTBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: GIFTBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: GIFTBOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("giftbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
