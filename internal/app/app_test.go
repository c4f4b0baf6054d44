package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/events"
	"github.com/joseph-ayodele/docparse/internal/queue"
	"github.com/joseph-ayodele/docparse/internal/storage"
)

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	cfg := common.LoadConfig()
	cfg.Queue.Driver = "memory"
	cfg.Events.Driver = "memory"
	cfg.Storage.Driver = "local"
	cfg.Storage.LocalDir = t.TempDir()
	return cfg
}

func TestOpenMemoryStack(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	assert.False(t, NeedsRedis(cfg))

	q, err := OpenQueue(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	assert.IsType(t, &queue.Memory{}, q)
	assert.NoError(t, q.Health(ctx))

	b, err := OpenBroker(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &events.Memory{}, b)

	s, err := OpenStorage(ctx, cfg.Storage, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.Local{}, s)
}

func TestOpenRedisStack(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Queue.Driver = "redis"
	cfg.Events.Driver = "redis"
	assert.True(t, NeedsRedis(cfg))

	rdb, err := OpenRedis(ctx, "redis://"+mr.Addr()+"/0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := OpenQueue(cfg, rdb, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	assert.IsType(t, &queue.Redis{}, q)

	b, err := OpenBroker(cfg, rdb, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	assert.IsType(t, &events.Redis{}, b)
}

func TestAMQPQueueNeedsRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Driver = "amqp"
	assert.True(t, NeedsRedis(cfg))

	_, err := OpenQueue(cfg, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestOpenRejectsBadDrivers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Driver = "redis"
	_, err := OpenQueue(cfg, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	cfg.Queue.Driver = "kafka"
	_, err = OpenQueue(cfg, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	cfg.Events.Driver = "nats"
	_, err = OpenBroker(cfg, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	cfg.Storage.Driver = "ftp"
	_, err = OpenStorage(context.Background(), cfg.Storage, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = OpenRedis(context.Background(), "not a url", nil)
	assert.Error(t, err)
}
