package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-lockreg/v1/lock"
	"github.com/mirkobrombin/go-lockreg/v1/metrics"
	"github.com/mirkobrombin/go-lockreg/v1/store"
)

func newHoldCmd(a *app) *cobra.Command {
	var (
		wait        time.Duration
		holdFor     time.Duration
		ownerID     string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "hold [name]",
		Short: "Acquire a lock and hold it until interrupted",
		Long: `Acquire the named lock and hold it until --for elapses or the process is
interrupted, then release it. With --wait 0 the command blocks until the lock
is free; otherwise it gives up after --wait.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			reg := a.registry(b)
			defer reg.Close()

			if metricsAddr != "" {
				srv := serveMetrics(a, metricsAddr)
				defer srv.Shutdown(context.WithoutCancel(ctx))
			}

			octx := lock.NewOwner(ctx)
			if ownerID != "" {
				octx = lock.WithOwner(ctx, ownerID)
			}
			id, _ := lock.OwnerFrom(octx)

			l := reg.Obtain(args[0])
			if wait <= 0 {
				if err := l.LockInterruptibly(octx); err != nil {
					return err
				}
			} else {
				ok, err := l.TryLockTimeout(octx, wait)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is held elsewhere, gave up after %s", l.Key(), wait)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired %s as %s (lease %s)\n", l.Key(), id, reg.LeaseDuration())

			if holdFor > 0 {
				t := time.NewTimer(holdFor)
				select {
				case <-t.C:
				case <-ctx.Done():
				}
				t.Stop()
			} else {
				<-ctx.Done()
			}

			if err := l.Unlock(octx); err != nil {
				if errors.Is(err, lock.ErrLeaseExpired) {
					fmt.Fprintf(cmd.OutOrStdout(), "lease on %s expired before release\n", l.Key())
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", l.Key())
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "give up acquisition after this long (0 blocks until acquired)")
	cmd.Flags().DurationVar(&holdFor, "for", 0, "release after this long (0 holds until interrupted)")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id to acquire as (random when empty)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while holding")
	return cmd
}

func serveMetrics(a *app, addr string) *http.Server {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func newTTLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ttl [name]",
		Short: "Print the remaining lease of a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			reg := a.registry(b)
			defer reg.Close()

			l := reg.Obtain(args[0])
			ttl, found, err := l.RemainingTTL(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case !found:
				fmt.Fprintf(out, "%s not held\n", l.Key())
			case ttl == store.NoExpiry:
				fmt.Fprintf(out, "%s held without expiry\n", l.Key())
			default:
				fmt.Fprintf(out, "%s expires in %s\n", l.Key(), ttl.Round(time.Millisecond))
			}
			return nil
		},
	}
}

func newSweepCmd(a *app) *cobra.Command {
	var maxIdle time.Duration
	cmd := &cobra.Command{
		Use:   "sweep [name]...",
		Short: "Obtain locks and evict the idle ones from the registry cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			reg := a.registry(b)
			defer reg.Close()

			for _, name := range args {
				reg.Obtain(name)
			}
			cached := reg.Len()
			evicted := reg.EvictIdleOlderThan(maxIdle)
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d, evicted %d, remaining %d\n", cached, evicted, reg.Len())
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxIdle, "max-idle", -time.Second, "evict locks idle for longer than this (negative evicts every unheld lock)")
	return cmd
}
