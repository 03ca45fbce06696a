package training

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dorniwang/torchdistill/checkpoints"
)

// ProgressionStatus is the training progression file read by job controllers
type ProgressionStatus struct {
	CurrentEpoch int64                  `json:"current_epoch"`
	TotalEpochs  int64                  `json:"total_epochs"`
	Message      string                 `json:"message,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	Timestamp    int64                  `json:"timestamp"`
	StartTime    *int64                 `json:"start_time,omitempty"`
}

// StatusFile rewrites a progression status file after every epoch
type StatusFile struct {
	path        string
	totalEpochs int
	start       time.Time
	now         func() time.Time
}

// NewStatusFile creates a status file observer. The training start time is taken now.
func NewStatusFile(path string, totalEpochs int, now func() time.Time) *StatusFile {
	if now == nil {
		now = time.Now
	}
	return &StatusFile{path: path, totalEpochs: totalEpochs, start: now(), now: now}
}

// Write replaces the file with status. Timestamp and StartTime are filled in when unset.
func (s *StatusFile) Write(status ProgressionStatus) error {
	if status.Timestamp == 0 {
		status.Timestamp = s.now().Unix()
	}
	if status.StartTime == nil {
		start := s.start.Unix()
		status.StartTime = &start
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode progression status: %w", err)
	}
	return checkpoints.WriteFileAtomic(s.path, data, 0o644)
}

func (s *StatusFile) EpochStarted(int) {}

func (s *StatusFile) CheckpointSaved(int, float64) {}

// EpochFinished records the epoch as completed
func (s *StatusFile) EpochFinished(sum EpochSummary) error {
	return s.Write(ProgressionStatus{
		CurrentEpoch: int64(sum.Epoch + 1),
		TotalEpochs:  int64(s.totalEpochs),
		Message:      fmt.Sprintf("epoch %d/%d done", sum.Epoch+1, s.totalEpochs),
		Metrics:      map[string]interface{}{
			"train_loss":             sum.TrainLoss,
			"learning_rate":          sum.LearningRate,
			"val_top1_accuracy":      sum.ValTop1,
			"best_val_top1_accuracy": sum.BestTop1,
			"epoch_duration_seconds": sum.Duration.Seconds(),
			"checkpoint_saved":       sum.CheckpointSaved,
		},
	})
}
