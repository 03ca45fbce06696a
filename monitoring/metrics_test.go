package monitoring

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dorniwang/torchdistill/training"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var _ training.Observer = (*Metrics)(nil)

func TestMetricsFollowTraining(t *testing.T) {
	m := NewMetrics()

	m.EpochStarted(0)
	m.CheckpointSaved(0, 0.4)
	require.NoError(t, m.EpochFinished(training.EpochSummary{
		Epoch: 0, TrainLoss: 1.2, LearningRate: 0.1, ValTop1: 0.4, BestTop1: 0.4, Duration: 3 * time.Second,
	}))
	m.EpochStarted(1)
	require.NoError(t, m.EpochFinished(training.EpochSummary{
		Epoch: 1, TrainLoss: 0.9, LearningRate: 0.05, ValTop1: 0.35, BestTop1: 0.4, Duration: 5 * time.Second,
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Epoch))
	assert.Equal(t, 0.9, testutil.ToFloat64(m.TrainLoss))
	assert.Equal(t, 0.05, testutil.ToFloat64(m.LearningRate))
	assert.Equal(t, 0.35, testutil.ToFloat64(m.ValTop1))
	assert.Equal(t, 0.4, testutil.ToFloat64(m.BestValTop1))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointWrites))

	expected := `
# HELP kd_checkpoint_writes_total Number of student checkpoints written.
# TYPE kd_checkpoint_writes_total counter
kd_checkpoint_writes_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.registry, strings.NewReader(expected), "kd_checkpoint_writes_total"))

	n, err := testutil.GatherAndCount(m.registry, "kd_epoch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandlerExposesRunMetrics(t *testing.T) {
	m := NewMetrics()
	m.EpochStarted(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "kd_epoch 3")
	assert.Contains(t, body, "kd_best_val_top1_accuracy 0")
	assert.Contains(t, body, "go_goroutines")
}

func TestServeStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, lis, zap.NewNop()) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + lis.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	client.CloseIdleConnections()
	require.NoError(t, err)
	assert.Contains(t, string(body), "kd_learning_rate")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
