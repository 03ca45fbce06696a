package metrics

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

// sumGroup is an in-memory all-reduce shared by a fixed number of participants
type sumGroup struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     int
	acc     []float64
	result  []float64
}

func newSumGroup(size int) *sumGroup {
	g := &sumGroup{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *sumGroup) AllReduceSum(_ context.Context, values []float64) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen := g.gen
	if g.acc == nil {
		g.acc = make([]float64, len(values))
	}
	for i, v := range values {
		g.acc[i] += v
	}
	g.arrived++
	if g.arrived == g.size {
		g.result, g.acc, g.arrived = g.acc, nil, 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for gen == g.gen {
			g.cond.Wait()
		}
	}
	return slices.Clone(g.result), nil
}

func TestUpdateAutoCreatesMeters(t *testing.T) {
	ml := NewMetricLogger()
	ml.Update(map[string]float64{"loss": 2.0, "acc": 0.5})
	ml.Update(map[string]float64{"loss": 4.0})

	_, ok := ml.Meter("missing")
	assert.False(t, ok)

	loss, ok := ml.Meter("loss")
	require.True(t, ok)
	avg, err := loss.GlobalAvg()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, avg, 1e-12)
	assert.Equal(t, []string{"acc", "loss"}, ml.Names())

	_, err = ml.GlobalAvg("missing")
	assert.Error(t, err)
}

func TestAddMeterLastWriteWins(t *testing.T) {
	ml := NewMetricLogger(WithDelimiter("  "))
	ml.AddMeter("lr", NewSmoothedValue(1, "{value}"))
	ml.AddMeter("img/s", NewSmoothedValue(10, "{value}"))
	replacement := NewSmoothedValue(1, "{value:.1f}")
	ml.AddMeter("lr", replacement)

	m, _ := ml.Meter("lr")
	assert.Same(t, replacement, m)
	assert.Equal(t, []string{"lr", "img/s"}, ml.Names())

	ml.Update(map[string]float64{"lr": 0.25, "img/s": 100})
	assert.Equal(t, "lr: 0.2  img/s: 100", ml.String())
}

func TestSynchronizeBetweenProcesses(t *testing.T) {
	const world = 3
	group := newSumGroup(world)
	loggers := make([]*MetricLogger, world)
	for r := 0; r < world; r++ {
		ml := NewMetricLogger(WithReducer(group))
		// every rank registers the same names in the same order
		for b := 0; b <= r; b++ {
			ml.UpdateN("acc1", float64(r), 10)
		}
		ml.UpdateN("acc5", 1.0, r+1)
		loggers[r] = ml
	}

	syncAll := func() {
		var eg errgroup.Group
		for _, ml := range loggers {
			eg.Go(func() error { return ml.SynchronizeBetweenProcesses(context.Background()) })
		}
		require.NoError(t, eg.Wait())
	}
	syncAll()

	// acc1: rank r contributes (r+1)*10 samples of value r
	wantCount := 10 + 20 + 30
	wantAvg := (0.0*10 + 1.0*20 + 2.0*30) / float64(wantCount)
	for _, ml := range loggers {
		m, _ := ml.Meter("acc1")
		assert.Equal(t, wantCount, m.Count())
		avg, err := m.GlobalAvg()
		require.NoError(t, err)
		assert.InDelta(t, wantAvg, avg, 1e-12)

		acc5, err := ml.GlobalAvg("acc5")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, acc5, 1e-12)
	}

	// a second round with no updates in between keeps the global average
	syncAll()
	for _, ml := range loggers {
		avg, err := ml.GlobalAvg("acc1")
		require.NoError(t, err)
		assert.InDelta(t, wantAvg, avg, 1e-12)
	}
}

func TestSynchronizeWithoutReducerIsLocal(t *testing.T) {
	ml := NewMetricLogger()
	ml.UpdateN("acc1", 0.5, 4)
	require.NoError(t, ml.SynchronizeBetweenProcesses(context.Background()))
	m, _ := ml.Meter("acc1")
	assert.Equal(t, 4, m.Count())
	assert.InDelta(t, 2.0, m.Total(), 1e-12)
}

func TestLogEveryYieldsUnchangedAndReports(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	clock := time.Unix(0, 0)
	ml := NewMetricLogger(
		WithLogger(zap.New(core)),
		WithClock(func() time.Time {
			clock = clock.Add(100 * time.Millisecond)
			return clock
		}),
	)

	input := []int{10, 20, 30, 40, 50, 60, 70}
	var got []int
	for v := range LogEvery(ml, slices.Values(input), len(input), 3, "Epoch: [0]") {
		ml.Update(map[string]float64{"loss": float64(v)})
		got = append(got, v)
	}
	assert.Equal(t, input, got)

	// iterations 0, 3, 6 (first, every third, last) plus the total time line
	entries := logs.All()
	require.Len(t, entries, 4)
	var iters []int64
	for _, e := range entries[:3] {
		assert.Contains(t, e.Message, "Epoch: [0]")
		assert.Contains(t, e.Message, "loss:")
		iters = append(iters, e.ContextMap()["iter"].(int64))
	}
	assert.Equal(t, []int64{0, 3, 6}, iters)
	assert.Contains(t, entries[3].Message, "Total time")
}

func TestLogEveryStopsWhenConsumerBreaks(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ml := NewMetricLogger(WithLogger(zap.New(core)))
	n := 0
	for range LogEvery(ml, slices.Values([]int{1, 2, 3, 4}), 4, 1, "Test:") {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
	for _, e := range logs.All() {
		assert.NotContains(t, e.Message, "Total time")
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0:00:05", FormatDuration(5*time.Second))
	assert.Equal(t, "1:01:01", FormatDuration(time.Hour+time.Minute+time.Second))
}
