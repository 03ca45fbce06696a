package checkpoints

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dorniwang/torchdistill/tensor"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Model is anything whose parameters can be captured and restored by name
type Model interface {
	StateDict() map[string]*tensor.Tensor
	LoadStateDict(sd map[string]*tensor.Tensor, strict bool) error
}

// Optimizer state can be saved and restored through a checkpoint
type Optimizer interface {
	GetState() (*OptimizerState, error)
	LoadState(state *OptimizerState) error
}

// Scheduler state can be saved and restored through a checkpoint
type Scheduler interface {
	GetState() *SchedulerState
	LoadState(state *SchedulerState) error
}

// Store loads and saves checkpoints. Paths starting with s3:// go to S3, everything else
// to the local filesystem. Saves are only safe from a single writer per path.
type Store struct {
	format  CheckpointFormat
	logger  *zap.Logger
	runID   string
	now     func() time.Time
	storage Storage

	mu sync.Mutex
	s3 Storage
}

// Option configures a Store
type Option func(*Store)

// WithFormat selects the format new checkpoints are written in
func WithFormat(f CheckpointFormat) Option {
	return func(s *Store) { s.format = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithStorage routes every path to st, bypassing scheme detection
func WithStorage(st Storage) Option {
	return func(s *Store) { s.storage = st }
}

// WithRunID sets the run id stamped into saved checkpoints
func WithRunID(id string) Option {
	return func(s *Store) { s.runID = id }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a checkpoint store writing protobuf checkpoints by default
func NewStore(opts ...Option) *Store {
	s := &Store{
		format: FormatProto,
		logger: zap.NewNop(),
		runID:  uuid.NewString(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunID returns the id stamped into checkpoints saved by this store
func (s *Store) RunID() string {
	return s.runID
}

func (s *Store) storageFor(ctx context.Context, path string) (Storage, error) {
	if s.storage != nil {
		return s.storage, nil
	}
	if !IsS3Path(path) {
		return LocalStorage{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s3 == nil {
		st, err := NewS3Storage(ctx)
		if err != nil {
			return nil, err
		}
		s.s3 = st
	}
	return s.s3, nil
}

// Exists reports whether a checkpoint is present at path
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	st, err := s.storageFor(ctx, path)
	if err != nil {
		return false, err
	}
	return st.Exists(ctx, path)
}

// Load reads the checkpoint at path. It fails with ErrNotFound if there is none.
func (s *Store) Load(ctx context.Context, path string) (*Checkpoint, error) {
	st, err := s.storageFor(ctx, path)
	if err != nil {
		return nil, err
	}
	data, err := st.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	c, format, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}
	s.logger.Debug("loaded checkpoint",
		zap.String("path", path),
		zap.Stringer("format", format),
		zap.Float64("best_score", c.BestScore),
		zap.Int("epoch", c.Epoch))
	return c, nil
}

// Save writes the checkpoint to path atomically. Missing metadata is filled in on the
// written copy; c itself is left unchanged.
func (s *Store) Save(ctx context.Context, path string, c *Checkpoint) error {
	out := *c
	if out.Metadata.Framework == "" {
		out.Metadata.Framework = Framework
	}
	if out.Metadata.Version == "" {
		out.Metadata.Version = Version
	}
	if out.Metadata.RunID == "" {
		out.Metadata.RunID = s.runID
	}
	if out.Metadata.CreatedAt.IsZero() {
		out.Metadata.CreatedAt = s.now()
	}

	data, err := Encode(&out, s.format)
	if err != nil {
		return err
	}
	st, err := s.storageFor(ctx, path)
	if err != nil {
		return err
	}
	if err := st.Write(ctx, path, data); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", path, err)
	}
	s.logger.Info("saved checkpoint",
		zap.String("path", path),
		zap.Stringer("format", s.format),
		zap.Float64("best_score", c.BestScore),
		zap.Int("epoch", c.Epoch))
	return nil
}

// TrainingState bundles what SaveTraining persists besides the model
type TrainingState struct {
	BestScore float64
	Epoch     int
	Config    map[string]interface{}
	Args      map[string]interface{}
}

// SaveTraining captures the model, optimizer and scheduler into one checkpoint at path.
// The model must already be unwrapped from any parallel wrapper.
func (s *Store) SaveTraining(ctx context.Context, path string, model Model, opt Optimizer, sched Scheduler, state TrainingState) error {
	c := &Checkpoint{
		BestScore: state.BestScore,
		Epoch:     state.Epoch,
		Weights:   WeightsFromStateDict(model.StateDict()),
		Metadata: CheckpointMetadata{
			Config: state.Config,
			Args:   state.Args,
		},
	}
	if opt != nil {
		optState, err := opt.GetState()
		if err != nil {
			return fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		c.OptimizerState = optState
	}
	if sched != nil {
		c.SchedulerState = sched.GetState()
	}
	return s.Save(ctx, path, c)
}

// LoadTraining reads the checkpoint at path and restores optimizer and scheduler state from
// it. Either may be nil. The returned checkpoint carries the best score to resume from.
func (s *Store) LoadTraining(ctx context.Context, path string, opt Optimizer, sched Scheduler) (*Checkpoint, error) {
	c, err := s.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if opt != nil && c.OptimizerState != nil {
		if err := opt.LoadState(c.OptimizerState); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer state from %s: %w", path, err)
		}
	}
	if sched != nil && c.SchedulerState != nil {
		if err := sched.LoadState(c.SchedulerState); err != nil {
			return nil, fmt.Errorf("failed to restore scheduler state from %s: %w", path, err)
		}
	}
	return c, nil
}

// LoadModel loads the weights stored at path into model. When required is false a missing
// checkpoint is not an error and reports false.
func (s *Store) LoadModel(ctx context.Context, path string, model Model, strict, required bool) (bool, error) {
	c, err := s.Load(ctx, path)
	if errors.Is(err, ErrNotFound) && !required {
		s.logger.Info("checkpoint file not found", zap.String("path", path))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sd, err := c.StateDict()
	if err != nil {
		return false, fmt.Errorf("failed to read weights from %s: %w", path, err)
	}
	if err := model.LoadStateDict(sd, strict); err != nil {
		return false, fmt.Errorf("failed to load weights from %s: %w", path, err)
	}
	s.logger.Info("loaded model parameters", zap.String("path", path), zap.Int("tensors", len(sd)))
	return true, nil
}
