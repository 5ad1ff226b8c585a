package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/calvinmclean/sinevel"
	"github.com/calvinmclean/sinevel/controller"
	"github.com/calvinmclean/sinevel/motor"
)

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		logrus.WithError(err).Error("run failed")
	}
	os.Exit(sinevel.ExitCode(err))
}

func newRootCommand() *cobra.Command {
	root := newRunCommand("sinevel")
	root.Short = "Bring up servo nodes and command a sinusoidal velocity to each of them"
	root.AddCommand(newRunCommand("run"), newPortsCommand())
	return root
}

func newRunCommand(use string) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:           use,
		Short:         "Run the velocity profile until stopped",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogging(f.logLevel, f.logFormat)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd.Flags(), &f)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "ports",
		Short:         "List USB serial ports",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := motor.GetSerialPorts()
			if errors.Is(err, motor.ErrNoUSBSerial) {
				fmt.Fprintln(cmd.OutOrStdout(), "no hardware found")
				return fmt.Errorf("%w: %w", sinevel.ErrNoHardwareFound, err)
			}
			if err != nil {
				return err
			}

			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg controller.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := controller.New(cfg.Bus(), cfg)
	err := c.Run(ctx)

	for _, s := range c.Sessions() {
		entry := logrus.WithFields(s.Axis.Fields()).WithFields(logrus.Fields{
			"session":  s.ID,
			"outcome":  s.Outcome,
			"cycles":   s.Result.Cycles,
			"overruns": s.Result.Overruns,
			"log":      s.LogPath,
		})
		if s.Err != nil {
			entry.WithError(s.Err).Warn("session ended with error")
			continue
		}
		entry.Info("session complete")
	}

	return err
}

func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(lvl)

	switch format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}
