package downloads

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Inflight は対象ごとに実行中のジョブを一つに制限するための確保テーブルです。
type Inflight interface {
	// Acquire は key を jobID で確保します。
	// 他のジョブが確保済みの場合は、そのジョブ ID と false を返します。
	Acquire(ctx context.Context, key string, jobID int64) (holder int64, ok bool, err error)
	// Holder は key を確保しているジョブ ID を返します。
	Holder(ctx context.Context, key string) (holder int64, ok bool, err error)
	// Release は jobID が確保している場合だけ key を解放します。
	Release(ctx context.Context, key string, jobID int64) error
}

// MemoryInflight はプロセス内の map で確保状態を管理します。
type MemoryInflight struct {
	mu   sync.Mutex
	held map[string]int64
}

// NewMemoryInflight は MemoryInflight を作成します。
func NewMemoryInflight() *MemoryInflight {
	return &MemoryInflight{held: make(map[string]int64)}
}

func (m *MemoryInflight) Acquire(_ context.Context, key string, jobID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.held[key]; ok && holder != jobID {
		return holder, false, nil
	}
	m.held[key] = jobID
	return jobID, true, nil
}

func (m *MemoryInflight) Holder(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.held[key]
	return holder, ok, nil
}

func (m *MemoryInflight) Release(_ context.Context, key string, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.held[key]; ok && holder == jobID {
		delete(m.held, key)
	}
	return nil
}

const inflightKeyPrefix = "sicar:inflight:"

// releaseScript は値が一致する場合だけキーを削除します。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisInflight は Redis の SET NX で確保状態を管理します。
// プロセスが異常終了しても TTL が切れれば確保は解除されます。
type RedisInflight struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisInflight は RedisInflight を作成します。
func NewRedisInflight(rdb *redis.Client, ttl time.Duration) *RedisInflight {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisInflight{rdb: rdb, ttl: ttl}
}

func (r *RedisInflight) Acquire(ctx context.Context, key string, jobID int64) (int64, bool, error) {
	value := strconv.FormatInt(jobID, 10)
	ok, err := r.rdb.SetNX(ctx, inflightKeyPrefix+key, value, r.ttl).Result()
	if err != nil {
		return 0, false, errors.Wrapf(err, "acquire inflight %s", key)
	}
	if ok {
		return jobID, true, nil
	}

	holder, held, err := r.Holder(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if !held {
		// 確認の間に解放された
		return r.Acquire(ctx, key, jobID)
	}
	if holder == jobID {
		return jobID, true, r.rdb.Expire(ctx, inflightKeyPrefix+key, r.ttl).Err()
	}
	return holder, false, nil
}

func (r *RedisInflight) Holder(ctx context.Context, key string) (int64, bool, error) {
	raw, err := r.rdb.Get(ctx, inflightKeyPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "read inflight %s", key)
	}
	holder, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "parse inflight holder %q", raw)
	}
	return holder, true, nil
}

func (r *RedisInflight) Release(ctx context.Context, key string, jobID int64) error {
	err := releaseScript.Run(ctx, r.rdb, []string{inflightKeyPrefix + key}, strconv.FormatInt(jobID, 10)).Err()
	if err != nil && err != redis.Nil {
		return errors.Wrapf(err, "release inflight %s", key)
	}
	return nil
}
