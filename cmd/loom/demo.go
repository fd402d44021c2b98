package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/xraph/loom"
	"github.com/xraph/loom/cache"
	"github.com/xraph/loom/circuit"
	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/recovery"
)

func newDemoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run a sample resilient pipeline in a loop and serve /metrics",
		Flags: []cli.Flag{
			envFlag(),
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "YAML file overlaid on the preset",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Address the Prometheus endpoint listens on",
				Value:   ":9464",
				Sources: cli.EnvVars("LOOM_METRICS_ADDR"),
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Delay between pipeline runs",
				Value: time.Second,
			},
			&cli.FloatFlag{
				Name:  "failure-rate",
				Usage: "Probability that a simulated dependency call fails",
				Value: 0.2,
			},
		},
		Action: runDemo,
	}
}

func runDemo(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := resolveConfig(command.String("file"), command.String("env"))
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, engine.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger := eng.Logger()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down engine", slog.String("error", err.Error()))
		}
	}()

	pipeline, err := newDemoPipeline(eng, command.Float("failure-rate"))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.MetricsHandler())
	srv := &http.Server{
		Addr:              command.String("metrics-addr"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	defer func() { _ = srv.Shutdown(context.WithoutCancel(ctx)) }()

	logger.Info("demo running",
		slog.String("metrics_addr", srv.Addr),
		slog.Duration("interval", command.Duration("interval")),
	)

	ticker := time.NewTicker(command.Duration("interval"))
	defer ticker.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	orders := 0
	for {
		select {
		case <-ctx.Done():
			total := eng.Cost().Total()
			logger.Info("demo stopped",
				slog.Int("orders", orders),
				slog.Float64("cost", total.Cost),
				slog.Float64("savings", total.Savings),
			)
			return nil
		case <-prune.C:
			if _, err := eng.PruneArchive(ctx); err != nil {
				logger.Warn("failed to prune span archive", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			orders++
			o := order{ID: orders, Amount: float64(10 + orders%20)}
			if _, err := loom.Run(ctx, eng.NewWorkflowContext(), pipeline, o); err != nil {
				logger.Warn("order failed",
					slog.Int("order", o.ID),
					slog.String("error_kind", string(loom.KindOf(err))),
				)
			}
		}
	}
}

// order flows through the demo pipeline.
type order struct {
	ID       int
	Amount   float64
	Quote    float64
	Charged  bool
	Notified string
}

var errDependency = errors.New("simulated dependency failure")

// newDemoPipeline builds
//
//	checkout = quote(cache(tax)) -> charge(retry(breaker)) -> notify(timeout(fallback(email, log)))
//
// where each simulated dependency fails with probability failureRate.
func newDemoPipeline(eng *engine.Engine, failureRate float64) (loom.Primitive[order, order], error) {
	flaky := func() error {
		if rand.Float64() < failureRate {
			return errDependency
		}
		return nil
	}

	rate := loom.Func("quote.tax", func(ctx context.Context, _ *loom.WorkflowContext, amount float64) (float64, error) {
		time.Sleep(5 * time.Millisecond)
		loom.ReportCost(ctx, 0.002)
		return amount * 1.08, nil
	})
	cachedRate, err := cache.New(rate, cache.Config{TTL: 30 * time.Second, MaxSize: 128}, cache.WithCoalescing())
	if err != nil {
		return nil, err
	}
	cachedRate.WithKeyFunc(func(amount float64) (string, error) {
		return strconv.FormatFloat(amount, 'f', 2, 64), nil
	})
	taxed := loom.Instrument[float64, float64](cachedRate)
	quote := loom.Func("quote", func(ctx context.Context, wc *loom.WorkflowContext, o order) (order, error) {
		q, err := taxed.Execute(ctx, wc, o.Amount)
		if err != nil {
			return o, err
		}
		o.Quote = q
		return o, nil
	})

	charge := loom.Func("charge", func(ctx context.Context, _ *loom.WorkflowContext, o order) (order, error) {
		loom.ReportCost(ctx, 0.01)
		if err := flaky(); err != nil {
			return o, err
		}
		o.Charged = true
		return o, nil
	})
	breaker, err := eng.Breaker("payments", circuit.DefaultConfig())
	if err != nil {
		return nil, err
	}
	resilientCharge, err := recovery.Retry[order, order](
		recovery.CircuitBreaker(charge, breaker),
		recovery.WithMaxRetries(2),
		recovery.WithDelays(10*time.Millisecond, 100*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}

	email := loom.Func("notify.email", func(ctx context.Context, _ *loom.WorkflowContext, o order) (order, error) {
		loom.ReportCost(ctx, 0.001)
		if err := flaky(); err != nil {
			return o, err
		}
		o.Notified = "email"
		return o, nil
	})
	logOnly := loom.Func("notify.log", func(_ context.Context, wc *loom.WorkflowContext, o order) (order, error) {
		wc.Logger().Info("order notification logged", slog.Int("order", o.ID))
		o.Notified = "log"
		return o, nil
	})
	notify, err := recovery.Timeout[order, order](
		recovery.Fallback(email, logOnly).WithName("notify"),
		200*time.Millisecond,
	)
	if err != nil {
		return nil, err
	}

	return loom.Sequential[order]("checkout", quote, resilientCharge, notify), nil
}
