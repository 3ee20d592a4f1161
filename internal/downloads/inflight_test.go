package downloads

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseInflight(t *testing.T, guard Inflight, key string) {
	t.Helper()
	ctx := context.Background()

	holder, ok, err := guard.Acquire(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, holder)

	// 同じジョブの再確保は成功する
	_, ok, err = guard.Acquire(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, ok, err = guard.Acquire(ctx, key, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 1, holder)

	// 保持者以外の解放は無視される
	require.NoError(t, guard.Release(ctx, key, 2))
	holder, held, err := guard.Holder(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)
	assert.EqualValues(t, 1, holder)

	require.NoError(t, guard.Release(ctx, key, 1))
	_, held, err = guard.Holder(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)

	_, ok, err = guard.Acquire(ctx, key, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, guard.Release(ctx, key, 2))
}

func TestMemoryInflight(t *testing.T) {
	exerciseInflight(t, NewMemoryInflight(), "state:SP:APPS")
}

func TestRedisInflight(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })

	key := "test:" + time.Now().Format("150405.000000000")
	exerciseInflight(t, NewRedisInflight(rdb, time.Minute), key)
}
