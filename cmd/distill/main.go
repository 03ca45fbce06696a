// Command distill trains a student model by knowledge distillation from a teacher and
// evaluates both on the test split.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Dorniwang/torchdistill/distributed"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// options mirrors the command line flags
type options struct {
	Config      string
	Device      string
	Log         string
	StartEpoch  int
	SyncBN      bool
	TestOnly    bool
	StudentOnly bool
	WorldSize   int
	DistURL     string
	DistTimeout time.Duration
	MetricsAddr string
	StatusFile  string
	CkptFormat  string
	Verbose     bool
}

// args returns the options as stored in checkpoint metadata
func (o options) args() map[string]interface{} {
	return map[string]interface{}{
		"config":       o.Config,
		"device":       o.Device,
		"log":          o.Log,
		"start_epoch":  o.StartEpoch,
		"sync_bn":      o.SyncBN,
		"test_only":    o.TestOnly,
		"student_only": o.StudentOnly,
		"world_size":   o.WorldSize,
		"dist_url":     o.DistURL,
		"dist_timeout": o.DistTimeout.String(),
		"ckpt_format":  o.CkptFormat,
	}
}

func newRootCmd() *cobra.Command {
	var (
		logger *zap.Logger
		env    = viper.New()
	)

	cmd := &cobra.Command{
		Use:   "distill",
		Short: "Knowledge distillation for image classification",
		Long: `Trains the student model of a run configuration against its teacher, keeping the
student checkpoint with the best validation top-1 accuracy, then evaluates the
teacher and the student on the test split.

Every flag can also be set through a KD_ prefixed environment variable,
e.g. KD_DEVICE=cpu.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := env.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			var err error
			logger, err = buildLogger(env.GetBool("verbose"), env.GetString("log"))
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options{
				Config:      env.GetString("config"),
				Device:      env.GetString("device"),
				Log:         env.GetString("log"),
				StartEpoch:  env.GetInt("start_epoch"),
				SyncBN:      env.GetBool("sync_bn"),
				TestOnly:    env.GetBool("test_only"),
				StudentOnly: env.GetBool("student_only"),
				WorldSize:   env.GetInt("world_size"),
				DistURL:     env.GetString("dist_url"),
				DistTimeout: env.GetDuration("dist_timeout"),
				MetricsAddr: env.GetString("metrics_addr"),
				StatusFile:  env.GetString("status_file"),
				CkptFormat:  env.GetString("ckpt_format"),
				Verbose:     env.GetBool("verbose"),
			}
			if opts.Config == "" {
				return fmt.Errorf("--config is required")
			}
			if err := run(cmd.Context(), opts, logger); err != nil {
				logger.Error("distillation failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	env.SetEnvPrefix("KD")
	env.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	env.AutomaticEnv()

	f := cmd.Flags()
	f.String("config", "", "yaml file path")
	f.String("device", "cuda", "device")
	f.String("log", "", "log file path")
	f.Int("start_epoch", 0, "start epoch")
	f.Bool("sync_bn", false, "use sync batch norm")
	f.Bool("test_only", false, "only test the models")
	f.Bool("student_only", false, "test the student model only")
	f.Int("world_size", 1, "number of distributed processes")
	f.String("dist_url", "env://", "url used to set up distributed training")
	f.Duration("dist_timeout", distributed.DefaultTimeout, "timeout for joining the process group and for collectives")
	f.String("metrics_addr", "", "serve Prometheus metrics on this address (main process only)")
	f.String("status_file", "", "write training progression status to this file (main process only)")
	f.String("ckpt_format", "proto", "checkpoint format to write: proto or json")
	f.BoolP("verbose", "v", false, "enable debug logging")
	return cmd
}

// buildLogger writes JSON logs to stderr and, on the main process, to logPath as well.
// The rank is not known before the process group forms, so the launcher environment
// decides which process is the main one.
func buildLogger(verbose bool, logPath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if logPath != "" && launcherRank() == 0 {
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func launcherRank() int {
	env := viper.New()
	env.AutomaticEnv()
	if env.IsSet("RANK") {
		return env.GetInt("RANK")
	}
	return env.GetInt("SLURM_PROCID")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
