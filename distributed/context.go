// Package distributed establishes the process group for multi-process training and
// provides the collective operations (all-reduce, barrier) the training loop relies on.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultTimeout bounds joining the group and every collective call
const DefaultTimeout = 30 * time.Minute

var (
	// ErrJoinTimeout is returned when the group does not form within its timeout
	ErrJoinTimeout = errors.New("timed out joining process group")

	// ErrCollectiveTimeout is returned when peers do not reach a collective in time
	ErrCollectiveTimeout = errors.New("timed out waiting for peers")
)

// Reducer is the collective capability injected into components that aggregate across
// processes. The single-process implementation is a no-op.
type Reducer interface {
	AllReduceSum(ctx context.Context, values []float64) ([]float64, error)
	Barrier(ctx context.Context) error
}

// Context describes this process's place in the group. It is immutable once created.
type Context struct {
	rank        int
	worldSize   int
	distributed bool
	deviceIDs   []int
	reducer     Reducer
	closer      func() error
}

// Local returns a single-process context with the given visible accelerators
func Local(deviceIDs []int) *Context {
	return &Context{
		worldSize: 1,
		deviceIDs: append([]int(nil), deviceIDs...),
		reducer:   noopReducer{},
	}
}

// NewContext builds a distributed context around an existing reducer. It is mainly
// useful for tests that simulate several ranks in one process.
func NewContext(rank, worldSize int, deviceIDs []int, reducer Reducer) *Context {
	if worldSize <= 1 || reducer == nil {
		return Local(deviceIDs)
	}
	return &Context{
		rank:        rank,
		worldSize:   worldSize,
		distributed: true,
		deviceIDs:   append([]int(nil), deviceIDs...),
		reducer:     reducer,
	}
}

func (c *Context) Rank() int { return c.rank }
func (c *Context) WorldSize() int { return c.worldSize }
func (c *Context) IsDistributed() bool { return c.distributed }

// IsMainProcess reports whether this process owns shared side effects such as file writes
func (c *Context) IsMainProcess() bool {
	return !c.distributed || c.rank == 0
}

// DeviceIDs returns the accelerator ordinals this process should use
func (c *Context) DeviceIDs() []int {
	return append([]int(nil), c.deviceIDs...)
}

// Reducer returns the collective implementation for this context
func (c *Context) Reducer() Reducer {
	return c.reducer
}

// Barrier blocks until every process reaches it. No-op when not distributed.
func (c *Context) Barrier(ctx context.Context) error {
	return c.reducer.Barrier(ctx)
}

// Logger restricts non-main ranks to warnings and above
func (c *Context) Logger(base *zap.Logger) *zap.Logger {
	l := base.With(zap.Int("rank", c.rank))
	if c.IsMainProcess() {
		return l
	}
	return l.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
}

// Close leaves the process group
func (c *Context) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Context) String() string {
	return fmt.Sprintf("rank %d/%d (distributed=%t, devices=%v)", c.rank, c.worldSize, c.distributed, c.deviceIDs)
}

// Options configures Init
type Options struct {
	WorldSize int
	DistURL   string
	Timeout   time.Duration

	// Env supplies the launcher environment. Defaults to the process environment.
	Env    *viper.Viper
	Logger *zap.Logger
}

// Init reads the launcher environment and, when more than one process participates, joins
// the process group. Rank 0 hosts the group at the rendezvous address.
func Init(ctx context.Context, opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	env := opts.Env
	if env == nil {
		env = viper.New()
		env.AutomaticEnv()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	visible := visibleDevices(env)
	var rank, worldSize, deviceID int
	switch {
	case env.IsSet("RANK") && env.IsSet("WORLD_SIZE"):
		rank = env.GetInt("RANK")
		worldSize = env.GetInt("WORLD_SIZE")
		deviceID = env.GetInt("LOCAL_RANK")
	case env.IsSet("SLURM_PROCID"):
		rank = env.GetInt("SLURM_PROCID")
		worldSize = opts.WorldSize
		if env.IsSet("SLURM_NTASKS") {
			worldSize = env.GetInt("SLURM_NTASKS")
		}
		if len(visible) > 0 {
			deviceID = rank % len(visible)
		}
	default:
		logger.Info("Not using distributed mode")
		return Local(visible), nil
	}
	if worldSize <= 1 {
		logger.Info("Not using distributed mode", zap.Int("world_size", worldSize))
		return Local(visible), nil
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}

	addr, err := rendezvousAddr(opts.DistURL, env)
	if err != nil {
		return nil, err
	}
	logger.Info("| distributed init", zap.Int("rank", rank), zap.Int("world_size", worldSize), zap.String("addr", addr))

	var group *Group
	if rank == 0 {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid rendezvous address %q: %w", addr, err)
		}
		lis, err := net.Listen("tcp", ":"+port)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		group, err = HostGroup(ctx, lis, worldSize, opts.Timeout, logger)
		if err != nil {
			return nil, err
		}
	} else {
		group, err = DialGroup(ctx, addr, rank, worldSize, opts.Timeout, logger)
		if err != nil {
			return nil, err
		}
	}

	if err := group.Barrier(ctx); err != nil {
		_ = group.Close()
		return nil, fmt.Errorf("initial barrier failed: %w", err)
	}

	dctx := NewContext(rank, worldSize, []int{deviceID}, group)
	dctx.closer = group.Close
	return dctx, nil
}

// rendezvousAddr resolves "env://" or "tcp://host:port" to host:port
func rendezvousAddr(distURL string, env *viper.Viper) (string, error) {
	if distURL == "" {
		distURL = "env://"
	}
	u, err := url.Parse(distURL)
	if err != nil {
		return "", fmt.Errorf("invalid dist_url %q: %w", distURL, err)
	}
	switch u.Scheme {
	case "env":
		host := env.GetString("MASTER_ADDR")
		port := env.GetString("MASTER_PORT")
		if host == "" || port == "" {
			return "", fmt.Errorf("dist_url %q requires MASTER_ADDR and MASTER_PORT", distURL)
		}
		return net.JoinHostPort(host, port), nil
	case "tcp":
		if u.Host == "" || u.Port() == "" {
			return "", fmt.Errorf("dist_url %q must be tcp://host:port", distURL)
		}
		return u.Host, nil
	default:
		return "", fmt.Errorf("unsupported dist_url scheme %q", u.Scheme)
	}
}

// visibleDevices parses CUDA_VISIBLE_DEVICES into accelerator ordinals
func visibleDevices(env *viper.Viper) []int {
	raw := strings.TrimSpace(env.GetString("CUDA_VISIBLE_DEVICES"))
	if raw == "" {
		return nil
	}
	// ordinals are renumbered from zero inside the process, whatever the physical ids
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ids = append(ids, len(ids))
	}
	return ids
}

type noopReducer struct{}

func (noopReducer) AllReduceSum(_ context.Context, values []float64) ([]float64, error) {
	return values, nil
}

func (noopReducer) Barrier(context.Context) error { return nil }
