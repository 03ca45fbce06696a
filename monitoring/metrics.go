// Package monitoring exports distillation progress as Prometheus metrics
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Dorniwang/torchdistill/training"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors of one training run. It implements training.Observer.
type Metrics struct {
	registry *prometheus.Registry

	Epoch            prometheus.Gauge
	TrainLoss        prometheus.Gauge
	LearningRate     prometheus.Gauge
	ValTop1          prometheus.Gauge
	BestValTop1      prometheus.Gauge
	CheckpointWrites prometheus.Counter
	EpochDuration    prometheus.Histogram
}

// NewMetrics registers the run collectors, plus the Go runtime and process collectors,
// on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Epoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kd_epoch",
			Help: "Epoch currently being trained.",
		}),
		TrainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kd_train_loss",
			Help: "Mean distillation loss of the last finished epoch.",
		}),
		LearningRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kd_learning_rate",
			Help: "Learning rate used by the last training step.",
		}),
		ValTop1: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kd_val_top1_accuracy",
			Help: "Student top-1 validation accuracy of the last finished epoch, as a fraction.",
		}),
		BestValTop1: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kd_best_val_top1_accuracy",
			Help: "Best student top-1 validation accuracy so far, as a fraction.",
		}),
		CheckpointWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "kd_checkpoint_writes_total",
			Help: "Number of student checkpoints written.",
		}),
		// 1s to ~4.5h
		EpochDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kd_epoch_duration_seconds",
			Help:    "Wall-clock duration of an epoch including validation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}),
	}
}

func (m *Metrics) EpochStarted(epoch int) {
	m.Epoch.Set(float64(epoch))
}

func (m *Metrics) CheckpointSaved(_ int, bestScore float64) {
	m.CheckpointWrites.Inc()
	m.BestValTop1.Set(bestScore)
}

func (m *Metrics) EpochFinished(sum training.EpochSummary) error {
	m.TrainLoss.Set(sum.TrainLoss)
	m.LearningRate.Set(sum.LearningRate)
	m.ValTop1.Set(sum.ValTop1)
	m.BestValTop1.Set(sum.BestTop1)
	m.EpochDuration.Observe(sum.Duration.Seconds())
	return nil
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on lis until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, lis net.Listener, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	logger.Info("serving metrics", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
