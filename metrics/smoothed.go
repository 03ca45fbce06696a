package metrics

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
)

const (
	// DefaultWindowSize is the window used for meters created on first write
	DefaultWindowSize = 20

	// DefaultFormat shows the windowed median followed by the global average
	DefaultFormat = "{median:.4f} ({global_avg:.4f})"
)

// ErrNoSamples is returned when a global average is requested before any update
var ErrNoSamples = errors.New("metric has no samples")

var placeholderRe = regexp.MustCompile(`\{(median|avg|global_avg|max|value)(?::\.(\d+)f)?\}`)

// SmoothedValue tracks a series of values, giving access to smoothed values over a
// window as well as the exact average over every value ever recorded.
type SmoothedValue struct {
	window []float64 // ring buffer of the most recent values
	head   int
	size   int

	count int
	total float64

	format string
}

// NewSmoothedValue creates a meter with the given window length and display format.
// Format placeholders: {median}, {avg}, {global_avg}, {max}, {value}, optionally with a
// fixed precision such as {avg:.3f}.
func NewSmoothedValue(windowSize int, format string) *SmoothedValue {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if format == "" {
		format = DefaultFormat
	}
	return &SmoothedValue{
		window: make([]float64, windowSize),
		format: format,
	}
}

// Update records n occurrences of value. The window always receives the value; a zero
// weight leaves the global average untouched. Negative weights panic.
func (s *SmoothedValue) Update(value float64, n int) {
	if n < 0 {
		panic("metrics: negative update weight " + strconv.Itoa(n))
	}
	idx := (s.head + s.size) % len(s.window)
	if s.size == len(s.window) {
		s.head = (s.head + 1) % len(s.window)
	} else {
		s.size++
	}
	s.window[idx] = value
	s.count += n
	s.total += value * float64(n)
}

// Count is the total weight recorded since creation
func (s *SmoothedValue) Count() int {
	return s.count
}

// Total is the weighted sum recorded since creation
func (s *SmoothedValue) Total() float64 {
	return s.total
}

// WindowSize returns the capacity of the sliding window
func (s *SmoothedValue) WindowSize() int {
	return len(s.window)
}

// Window returns the values currently in the window, oldest first
func (s *SmoothedValue) Window() []float64 {
	out := make([]float64, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.window[(s.head+i)%len(s.window)]
	}
	return out
}

// Median is the median of the window (lower middle for even sizes)
func (s *SmoothedValue) Median() float64 {
	if s.size == 0 {
		return 0
	}
	vals := s.Window()
	sort.Float64s(vals)
	return vals[(len(vals)-1)/2]
}

// Avg is the mean of the window
func (s *SmoothedValue) Avg() float64 {
	if s.size == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.Window() {
		sum += v
	}
	return sum / float64(s.size)
}

// GlobalAvg is total / count over every recorded value
func (s *SmoothedValue) GlobalAvg() (float64, error) {
	if s.count == 0 {
		return 0, ErrNoSamples
	}
	return s.total / float64(s.count), nil
}

// Max is the largest value in the window
func (s *SmoothedValue) Max() float64 {
	if s.size == 0 {
		return 0
	}
	vals := s.Window()
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Value is the most recently recorded value
func (s *SmoothedValue) Value() float64 {
	if s.size == 0 {
		return 0
	}
	return s.window[(s.head+s.size-1)%len(s.window)]
}

// setTotals replaces the running count and sum, leaving the window untouched
func (s *SmoothedValue) setTotals(count int, total float64) {
	s.count = count
	s.total = total
}

func (s *SmoothedValue) String() string {
	return placeholderRe.ReplaceAllStringFunc(s.format, func(m string) string {
		parts := placeholderRe.FindStringSubmatch(m)
		var v float64
		switch parts[1] {
		case "median":
			v = s.Median()
		case "avg":
			v = s.Avg()
		case "global_avg":
			v, _ = s.GlobalAvg()
		case "max":
			v = s.Max()
		case "value":
			v = s.Value()
		}
		if parts[2] == "" {
			return strconv.FormatFloat(v, 'g', -1, 64)
		}
		prec, _ := strconv.Atoi(parts[2])
		return strconv.FormatFloat(v, 'f', prec, 64)
	})
}
