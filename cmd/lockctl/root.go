package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-lockreg/v1/lock"
)

// Version of lockctl.
const Version = "1.0.0"

// app carries the state resolved before any subcommand runs.
type app struct {
	v      *viper.Viper
	cfg    *Config
	logger *slog.Logger
	tp     *sdktrace.TracerProvider
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "lockctl",
		Short: "inspect and hold distributed lease locks",
		Long: fmt.Sprintf(`lockctl (v%s)

Acquire, hold and inspect reentrant lease locks stored in memory, Redis or etcd.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	addConfigFlags(root.PersistentFlags())

	root.AddCommand(newHoldCmd(a))
	root.AddCommand(newTTLCmd(a))
	root.AddCommand(newSweepCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.v, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.slogLevel()}))

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(cmd.OutOrStdout()))
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		a.tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		otel.SetTracerProvider(a.tp)
	}
	return nil
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	if a.tp == nil {
		return nil
	}
	return a.tp.Shutdown(context.WithoutCancel(cmd.Context()))
}

// registry builds a lock registry over b using the resolved configuration.
func (a *app) registry(b *backend, opts ...lock.Option) *lock.Registry {
	base := []lock.Option{
		lock.WithLeaseDuration(a.cfg.Lease),
		lock.WithPollInterval(a.cfg.Poll),
		lock.WithLogger(a.logger),
	}
	if b.bus != nil {
		base = append(base, lock.WithBus(b.bus))
	}
	if a.cfg.Trace {
		base = append(base, lock.WithTracing())
	}
	return lock.NewRegistry(b.store, a.cfg.Namespace, append(base, opts...)...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of lockctl",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lockctl v%s\n", Version)
		},
	}
}
