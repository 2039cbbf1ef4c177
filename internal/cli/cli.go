// Package cli builds the laneq command tree. Two process kinds exist:
// `laneq dispatch` runs a dispatcher replica on the intake queue and
// `laneq work --lane <name>` runs a worker pool bound to one lane. Both
// load the same YAML configuration and shut down on SIGINT/SIGTERM.
package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	laneq "github.com/laneq/laneq-go"
	"github.com/laneq/laneq-go/internal/config"
	"github.com/laneq/laneq-go/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// BuildCLI constructs the root command.
func BuildCLI() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "laneq",
		Short:         "Rate-limited job router between an intake queue and backend lanes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/laneq.yaml", "path to the YAML config file")

	root.AddCommand(dispatchCmd(&cfgPath))
	root.AddCommand(workCmd(&cfgPath))
	return root
}

func dispatchCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run a dispatcher replica consuming the intake queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			log := laneq.NewFmtLogger()
			rdb := newRedis(cfg)
			defer rdb.Close()

			lanes, err := cfg.BuildLanes()
			if err != nil {
				return err
			}
			selector, err := cfg.BuildSelector(lanes)
			if err != nil {
				return err
			}
			collector := metrics.NewCollector()

			d, err := laneq.NewDispatcher(rdb, laneq.DispatcherConfig{
				IntakeQueue:     cfg.IntakeQueue,
				DeadLetterQueue: cfg.DeadLetterQueue,
				Lanes:           lanes,
				Selector:        selector,
				Limiter: laneq.NewRateLimiter(rdb, laneq.RateLimiterConfig{
					Prefix:   cfg.RateLimit.DispatcherPrefix,
					Window:   cfg.Window(),
					Disabled: !cfg.RateLimitEnabled(),
					Logger:   log,
				}),
				Available:    cfg.Available,
				Concurrency:  cfg.Concurrency,
				LeaseTTL:     cfg.Lease(),
				DrainTimeout: cfg.Drain(),
				Logger:       log,
				Metrics:      collector,
			})
			if err != nil {
				return err
			}

			return runUntilSignal(cmd.Context(), cfg, collector, log, d.Start, d.Stop)
		},
	}
}

func workCmd(cfgPath *string) *cobra.Command {
	var lane string

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run a worker pool bound to exactly one lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if lane != "" {
				cfg.WorkerLane = lane
			}
			if err := cfg.ValidateWorker(); err != nil {
				return err
			}
			if cfg.ProviderURL == "" {
				return fmt.Errorf("config: provider_url is required for worker processes")
			}

			log := laneq.NewFmtLogger()
			rdb := newRedis(cfg)
			defer rdb.Close()

			lanes, err := cfg.BuildLanes()
			if err != nil {
				return err
			}
			collector := metrics.NewCollector()

			w, err := laneq.NewWorker(rdb, laneq.WorkerConfig{
				Lane:  cfg.WorkerLane,
				Lanes: lanes,
				Limiter: laneq.NewRateLimiter(rdb, laneq.RateLimiterConfig{
					Prefix:   cfg.RateLimit.WorkerPrefix,
					Window:   cfg.Window(),
					Disabled: !cfg.RateLimitEnabled(),
					Logger:   log,
				}),
				ResultsQueue:    cfg.ResultsQueue,
				DeadLetterQueue: cfg.DeadLetterQueue,
				Concurrency:     cfg.Concurrency,
				LeaseTTL:        cfg.Lease(),
				DrainTimeout:    cfg.Drain(),
				Logger:          log,
				Metrics:         collector,
			}, providerHandler(cfg.ProviderURL))
			if err != nil {
				return err
			}

			return runUntilSignal(cmd.Context(), cfg, collector, log, w.Start, w.Stop)
		},
	}
	cmd.Flags().StringVar(&lane, "lane", "", "lane to bind this worker to (overrides worker_lane)")
	return cmd
}

// providerHandler posts the raw job payload to the external analysis
// provider and returns the response body.
func providerHandler(url string) laneq.Handler {
	client := &http.Client{Timeout: 60 * time.Second}
	return func(ctx context.Context, job *laneq.Job) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(job.Raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("provider: unexpected status %d", resp.StatusCode)
		}
		return body, nil
	}
}

func newRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
}

// runUntilSignal starts the component, serves metrics if configured, and
// blocks until SIGINT/SIGTERM, then stops gracefully. A clean stop exits 0.
func runUntilSignal(parent context.Context, cfg *config.Config, collector *metrics.Collector, log laneq.Logger, start, stop func()) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = collector.Serve(cfg.MetricsAddr)
		log.Infof("metrics listening on %s", cfg.MetricsAddr)
	}

	start()
	<-ctx.Done()
	stop()

	if metricsSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
