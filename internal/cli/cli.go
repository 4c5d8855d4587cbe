// Package cli implements the eventbusctl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-event-bus/config"
	"github.com/next-trace/scg-event-bus/factory"
	"github.com/next-trace/scg-event-bus/resolver"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// Version is stamped at build time.
var Version = "dev"

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return newRootCmd(os.LookupEnv).ExecuteContext(ctx)
}

type globalFlags struct {
	configPath string
	busType    string
	connection string
	topic      string
	app        string
	logLevel   string
}

func newRootCmd(lookupEnv func(string) (string, bool)) *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "eventbusctl",
		Short:         "Publish to and listen on the integration event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML or JSON configuration file")
	pf.StringVar(&g.busType, "bus-type", "", "override busType")
	pf.StringVar(&g.connection, "connection-string", "", "override connectionString")
	pf.StringVar(&g.topic, "topic", "", "override defaultTopicName")
	pf.StringVar(&g.app, "app", "", "override subscriberAppName")
	pf.StringVar(&g.logLevel, "log-level", "info", "debug, info, warn or error")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newPublishCmd(g, lookupEnv))
	cmd.AddCommand(newListenCmd(g, lookupEnv))
	cmd.AddCommand(newConfigCmd(g, lookupEnv))

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the eventbusctl version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eventbusctl %s\n", Version)
		},
	}
}

// loadConfig layers defaults, the config file, SCG_EVENTBUS_* variables and flags.
func (g *globalFlags) loadConfig(lookupEnv func(string) (string, bool)) (config.Config, error) {
	cfg := config.Default()

	if g.configPath != "" {
		var err error

		if cfg, err = config.FromFile(g.configPath); err != nil {
			return config.Config{}, err
		}
	}

	cfg, err := config.ApplyEnv(cfg, lookupEnv)
	if err != nil {
		return config.Config{}, err
	}

	if g.busType != "" {
		if cfg.BusType, err = config.ParseBusType(g.busType); err != nil {
			return config.Config{}, err
		}
	}

	if g.connection != "" {
		cfg.ConnectionString = g.connection
	}

	if g.topic != "" {
		cfg.DefaultTopicName = g.topic
	}

	if g.app != "" {
		cfg.SubscriberAppName = g.app
	}

	return cfg, nil
}

func (g *globalFlags) logger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", g.logLevel, err)
	}

	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}

// openBus builds a bus for cfg with a resolver the caller fills in.
func (g *globalFlags) openBus(
	cmd *cobra.Command,
	lookupEnv func(string) (string, bool),
) (*servicebus.Bus, servicebus.Transport, *resolver.Container, error) {
	cfg, err := g.loadConfig(lookupEnv)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := g.logger(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	tr, err := factory.NewTransport(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	res := resolver.New()

	b, err := servicebus.New(cfg, tr, res, servicebus.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, errors.Join(err, tr.Close())
	}

	return b, tr, res, nil
}

func newConfigCmd(g *globalFlags, lookupEnv func(string) (string, bool)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig(lookupEnv)
			if err != nil {
				return err
			}

			cfg.ConnectionString = redact(cfg.ConnectionString)

			out, err := config.ToYAML(cfg)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(out)

			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig(lookupEnv)
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "ok")

			return nil
		},
	})

	return cmd
}

var secretPairs = regexp.MustCompile(`(?i)((?:SharedAccessKey|password)=)[^;,]*`)

// redact hides credentials in URL user info and in key=value segments.
func redact(conn string) string {
	conn = secretPairs.ReplaceAllString(conn, "${1}***")

	if scheme, rest, ok := strings.Cut(conn, "://"); ok {
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			return scheme + "://***@" + rest[at+1:]
		}
	}

	return conn
}
