package distributed

import (
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitWithoutLauncherEnvIsLocal(t *testing.T) {
	env := viper.New()
	env.Set("CUDA_VISIBLE_DEVICES", "2,3")

	c, err := Init(context.Background(), Options{WorldSize: 4, Env: env})
	require.NoError(t, err)
	assert.False(t, c.IsDistributed())
	assert.True(t, c.IsMainProcess())
	assert.Equal(t, 1, c.WorldSize())
	assert.Equal(t, []int{0, 1}, c.DeviceIDs())

	out, err := c.Reducer().AllReduceSum(context.Background(), []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, out)
	assert.NoError(t, c.Barrier(context.Background()))
	assert.NoError(t, c.Close())
}

func TestInitWorldSizeOneIsLocal(t *testing.T) {
	env := viper.New()
	env.Set("RANK", 0)
	env.Set("WORLD_SIZE", 1)

	c, err := Init(context.Background(), Options{Env: env})
	require.NoError(t, err)
	assert.False(t, c.IsDistributed())
	assert.Empty(t, c.DeviceIDs())
}

func TestInitRejectsBadRank(t *testing.T) {
	env := viper.New()
	env.Set("RANK", 5)
	env.Set("WORLD_SIZE", 2)

	_, err := Init(context.Background(), Options{Env: env, DistURL: "tcp://127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRendezvousAddr(t *testing.T) {
	env := viper.New()
	env.Set("MASTER_ADDR", "10.0.0.1")
	env.Set("MASTER_PORT", "29500")

	addr, err := rendezvousAddr("env://", env)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:29500", addr)

	addr, err = rendezvousAddr("tcp://node-0:1234", env)
	require.NoError(t, err)
	assert.Equal(t, "node-0:1234", addr)

	_, err = rendezvousAddr("env://", viper.New())
	assert.Error(t, err)
	_, err = rendezvousAddr("file:///tmp/rdzv", env)
	assert.Error(t, err)
	_, err = rendezvousAddr("tcp://node-0", env)
	assert.Error(t, err)
}

func TestLoggerRestrictsNonMainRanks(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	worker := NewContext(1, 2, []int{1}, noopReducer{})
	assert.False(t, worker.IsMainProcess())
	l := worker.Logger(base)
	l.Info("hidden")
	l.Warn("shown")

	main := NewContext(0, 2, []int{0}, noopReducer{})
	main.Logger(base).Info("main info")

	msgs := make([]string, 0)
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"shown", "main info"}, msgs)
}

func TestNewContextFallsBackToLocal(t *testing.T) {
	c := NewContext(0, 1, nil, nil)
	assert.False(t, c.IsDistributed())
	assert.True(t, c.IsMainProcess())
}
