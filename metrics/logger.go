package metrics

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Reducer sums a vector element-wise across every participating process.
// Every process must call it with vectors of the same length at the same logical point.
type Reducer interface {
	AllReduceSum(ctx context.Context, values []float64) ([]float64, error)
}

// MetricLogger is an ordered collection of named meters
type MetricLogger struct {
	meters    map[string]*SmoothedValue
	order     []string
	delimiter string
	reducer   Reducer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a MetricLogger
type Option func(*MetricLogger)

// WithDelimiter sets the separator used when rendering meters
func WithDelimiter(d string) Option {
	return func(ml *MetricLogger) { ml.delimiter = d }
}

// WithReducer sets the cross-process reducer used by SynchronizeBetweenProcesses
func WithReducer(r Reducer) Option {
	return func(ml *MetricLogger) {
		if r != nil {
			ml.reducer = r
		}
	}
}

// WithLogger sets the sink for progress reports
func WithLogger(l *zap.Logger) Option {
	return func(ml *MetricLogger) {
		if l != nil {
			ml.logger = l
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(ml *MetricLogger) { ml.now = now }
}

// NewMetricLogger creates an empty registry. Without a reducer, synchronization is a no-op.
func NewMetricLogger(opts ...Option) *MetricLogger {
	ml := &MetricLogger{
		meters:    make(map[string]*SmoothedValue),
		delimiter: "\t",
		reducer:   localReducer{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(ml)
	}
	return ml
}

// AddMeter registers a meter under name, replacing any meter already registered there
func (ml *MetricLogger) AddMeter(name string, meter *SmoothedValue) {
	if _, ok := ml.meters[name]; !ok {
		ml.order = append(ml.order, name)
	}
	ml.meters[name] = meter
}

// Meter returns the meter registered under name
func (ml *MetricLogger) Meter(name string) (*SmoothedValue, bool) {
	m, ok := ml.meters[name]
	return m, ok
}

// GetOrCreate returns the named meter, creating a default one if absent
func (ml *MetricLogger) GetOrCreate(name string) *SmoothedValue {
	if m, ok := ml.meters[name]; ok {
		return m
	}
	m := NewSmoothedValue(DefaultWindowSize, DefaultFormat)
	ml.AddMeter(name, m)
	return m
}

// Names returns the registered meter names in insertion order
func (ml *MetricLogger) Names() []string {
	return append([]string(nil), ml.order...)
}

// Update records each value once under its name. Unknown names are created with
// default parameters, in sorted name order.
func (ml *MetricLogger) Update(values map[string]float64) {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		ml.GetOrCreate(name).Update(values[name], 1)
	}
}

// UpdateN records n occurrences of value under name
func (ml *MetricLogger) UpdateN(name string, value float64, n int) {
	ml.GetOrCreate(name).Update(value, n)
}

// GlobalAvg returns the global average of a registered meter
func (ml *MetricLogger) GlobalAvg(name string) (float64, error) {
	m, ok := ml.meters[name]
	if !ok {
		return 0, fmt.Errorf("meter %q is not registered", name)
	}
	return m.GlobalAvg()
}

func (ml *MetricLogger) String() string {
	parts := make([]string, 0, len(ml.order))
	for _, name := range ml.order {
		parts = append(parts, fmt.Sprintf("%s: %s", name, ml.meters[name]))
	}
	return strings.Join(parts, ml.delimiter)
}

// SynchronizeBetweenProcesses all-reduces (count, total) of every meter and replaces the
// local values with the global sums. The window is not synchronized.
func (ml *MetricLogger) SynchronizeBetweenProcesses(ctx context.Context) error {
	if len(ml.order) == 0 {
		return nil
	}
	vec := make([]float64, 0, 2*len(ml.order))
	for _, name := range ml.order {
		m := ml.meters[name]
		vec = append(vec, float64(m.Count()), m.Total())
	}
	reduced, err := ml.reducer.AllReduceSum(ctx, vec)
	if err != nil {
		return fmt.Errorf("failed to synchronize metrics: %w", err)
	}
	if len(reduced) != len(vec) {
		return fmt.Errorf("reduced vector has %d entries, expected %d", len(reduced), len(vec))
	}
	for i, name := range ml.order {
		ml.meters[name].setTotals(int(math.Round(reduced[2*i])), reduced[2*i+1])
	}
	return nil
}

// LogEvery yields every element of seq unchanged, reporting progress on the first, the
// last and every freq-th element. total is the expected length of seq.
func LogEvery[T any](ml *MetricLogger, seq iter.Seq[T], total, freq int, header string) iter.Seq[T] {
	if freq <= 0 {
		freq = 1
	}
	return func(yield func(T) bool) {
		iterTime := NewSmoothedValue(DefaultWindowSize, "{avg:.4f}")
		dataTime := NewSmoothedValue(DefaultWindowSize, "{avg:.4f}")
		width := len(strconv.Itoa(total))
		start := ml.now()
		end := start
		i := 0
		for obj := range seq {
			dataTime.Update(ml.now().Sub(end).Seconds(), 1)
			if !yield(obj) {
				return
			}
			iterTime.Update(ml.now().Sub(end).Seconds(), 1)
			if i%freq == 0 || i == total-1 {
				perIter, _ := iterTime.GlobalAvg()
				remaining := total - i
				if remaining < 0 {
					remaining = 0
				}
				eta := time.Duration(perIter * float64(remaining) * float64(time.Second))
				ml.logger.Info(
					fmt.Sprintf("%s [%*d/%d]  eta: %s  %s  time: %s  data: %s",
						header, width, i, total, FormatDuration(eta), ml, iterTime, dataTime),
					zap.Int("iter", i),
					zap.Int("total", total),
					zap.Duration("eta", eta),
				)
			}
			i++
			end = ml.now()
		}
		elapsed := ml.now().Sub(start)
		perIter := 0.0
		if i > 0 {
			perIter = elapsed.Seconds() / float64(i)
		}
		ml.logger.Info(fmt.Sprintf("%s Total time: %s (%.4f s / it)", header, FormatDuration(elapsed), perIter))
	}
}

// FormatDuration renders d as H:MM:SS
func FormatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

type localReducer struct{}

func (localReducer) AllReduceSum(_ context.Context, values []float64) ([]float64, error) {
	return values, nil
}
