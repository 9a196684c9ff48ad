// lockbench exercises the rwlock package end to end: a configurable mix of
// reader and writer tasks contends on a single lock while the tool checks the
// mutual-exclusion invariant on every grant and reports throughput.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskloop/rwlock"
)

type benchConfig struct {
	readers    int
	writers    int
	iterations int
	hold       time.Duration
	timeout    time.Duration
	fast       bool
}

func bindFlags(fs *pflag.FlagSet, cfg *benchConfig) {
	fs.IntVar(&cfg.readers, "readers", 8, "number of reader tasks")
	fs.IntVar(&cfg.writers, "writers", 2, "number of writer tasks")
	fs.IntVar(&cfg.iterations, "iterations", 1000, "acquisitions per task")
	fs.DurationVar(&cfg.hold, "hold", 0, "time to hold the lock per acquisition")
	fs.DurationVar(&cfg.timeout, "timeout", 0, "per-acquisition timeout, 0 waits forever")
	fs.BoolVar(&cfg.fast, "fast", false, "skip the post-grant fairness yield")
}

func newRootCommand() *cobra.Command {
	cfg := &benchConfig{}
	cmd := &cobra.Command{
		Use:          "lockbench",
		Short:        "Stress a reader-writer lock and report throughput",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runBench(ctx, logger, clockwork.NewRealClock(), cfg)
		},
	}
	bindFlags(cmd.Flags(), cfg)
	return cmd
}

func runBench(ctx context.Context, logger *zap.Logger, clock clockwork.Clock, cfg *benchConfig) error {
	lock := rwlock.New()
	if cfg.fast {
		lock = rwlock.NewFast()
	}
	domain := rwlock.NewDomain("lockbench")

	var writes, cancelled int64
	var readersNow, highWater int32

	acquireCtx := func() (context.Context, context.CancelFunc) {
		if cfg.timeout > 0 {
			return context.WithTimeout(ctx, cfg.timeout)
		}
		return context.WithCancel(ctx)
	}

	logger.Info("starting",
		zap.Int("readers", cfg.readers),
		zap.Int("writers", cfg.writers),
		zap.Int("iterations", cfg.iterations),
		zap.Bool("fast", cfg.fast),
	)

	start := clock.Now()
	var g errgroup.Group

	for i := 0; i < cfg.readers; i++ {
		g.Go(func() error {
			task := domain.NewTask()
			for j := 0; j < cfg.iterations; j++ {
				actx, cancel := acquireCtx()
				err := lock.AcquireRead(actx, task)
				cancel()
				if errors.Is(err, context.DeadlineExceeded) {
					atomic.AddInt64(&cancelled, 1)
					continue
				}
				if err != nil {
					return err
				}
				n := atomic.AddInt32(&readersNow, 1)
				for {
					old := atomic.LoadInt32(&highWater)
					if n <= old || atomic.CompareAndSwapInt32(&highWater, old, n) {
						break
					}
				}
				if lock.WriteLocked() {
					return errors.New("invariant violated: writer active while read lock held")
				}
				if cfg.hold > 0 {
					clock.Sleep(cfg.hold)
				}
				atomic.AddInt32(&readersNow, -1)
				if err := lock.ReleaseRead(task); err != nil {
					return err
				}
			}
			return nil
		})
	}

	for i := 0; i < cfg.writers; i++ {
		g.Go(func() error {
			task := domain.NewTask()
			for j := 0; j < cfg.iterations; j++ {
				actx, cancel := acquireCtx()
				err := lock.AcquireWrite(actx, task)
				cancel()
				if errors.Is(err, context.DeadlineExceeded) {
					atomic.AddInt64(&cancelled, 1)
					continue
				}
				if err != nil {
					return err
				}
				if n := atomic.LoadInt32(&readersNow); n != 0 {
					return fmt.Errorf("invariant violated: %d readers active while write lock held", n)
				}
				if cfg.hold > 0 {
					clock.Sleep(cfg.hold)
				}
				atomic.AddInt64(&writes, 1)
				if err := lock.ReleaseWrite(task); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := clock.Since(start)
	grants := int64(cfg.readers+cfg.writers)*int64(cfg.iterations) - atomic.LoadInt64(&cancelled)
	logger.Info("bench complete",
		zap.Duration("elapsed", elapsed),
		zap.Int64("grants", grants),
		zap.Int64("writes", atomic.LoadInt64(&writes)),
		zap.Int64("cancelled", atomic.LoadInt64(&cancelled)),
		zap.Int32("max_concurrent_readers", atomic.LoadInt32(&highWater)),
		zap.Float64("grants_per_sec", float64(grants)/elapsed.Seconds()),
	)
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
