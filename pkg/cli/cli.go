// Package cli wires cobra commands to a shared logger, signal handling and
// configuration overlay.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to flag names to form environment overrides,
// e.g. CANREPLAY_USB_CAN_BUS for --usb-can-bus.
const EnvPrefix = "CANREPLAY"

const (
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagConfig    = "config"
)

// Input is handed to every command body.
type Input struct {
	Logger *slog.Logger
	Stdout io.Writer
}

type CLI struct {
	root *cobra.Command
}

func NewCLI(name, desc string) *CLI {
	root := &cobra.Command{
		Use:               name,
		Short:             desc,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: overlayConfig,
	}
	root.PersistentFlags().String(flagLogLevel, "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String(flagLogFormat, "text", "Log format (text, json)")
	root.PersistentFlags().String(flagConfig, "", "Optional YAML file supplying flag values")

	return &CLI{root: root}
}

func (c *CLI) AddCommands(cmds ...*cobra.Command) {
	c.root.AddCommand(cmds...)
}

func (c *CLI) Run() error {
	return c.root.Execute()
}

// WithContext adapts fn into a cobra RunE. The context is cancelled on
// SIGINT or SIGTERM.
func WithContext(fn func(ctx context.Context, input Input) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return fn(ctx, Input{
			Logger: logger,
			Stdout: cmd.OutOrStdout(),
		})
	}
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelName, _ := cmd.Flags().GetString(flagLogLevel)
	format, _ := cmd.Flags().GetString(flagLogFormat)

	var level slog.Level
	if levelName != "" {
		if err := level.UnmarshalText([]byte(levelName)); err != nil {
			return nil, errors.Wrapf(err, "invalid --%s", flagLogLevel)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts)), nil
	default:
		return nil, errors.Newf("invalid --%s %q", flagLogFormat, format)
	}
}

// overlayConfig fills every flag the user did not set on the command line
// from the environment, then from the --config file.
func overlayConfig(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path, _ := cmd.Flags().GetString(flagConfig)
	if path == "" {
		path = v.GetString(flagConfig)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var errs error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == flagConfig || !v.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, fmt.Sprint(v.Get(f.Name))); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "invalid value for --%s", f.Name))
		}
	})
	return errs
}
