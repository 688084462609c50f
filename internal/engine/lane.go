package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lane admits at most one reconciliation run at a time. TryAcquire fails
// with domain.ErrAlreadyRunning instead of waiting.
type Lane interface {
	TryAcquire(ctx context.Context) (release func(), err error)
	Held() bool
}

type LocalLane struct {
	busy atomic.Bool
}

func NewLocalLane() *LocalLane {
	return &LocalLane{}
}

func (l *LocalLane) TryAcquire(ctx context.Context) (func(), error) {
	if !l.busy.CompareAndSwap(false, true) {
		return nil, domain.ErrAlreadyRunning
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			l.busy.Store(false)
		}
	}, nil
}

func (l *LocalLane) Held() bool {
	return l.busy.Load()
}

const laneKey = "roadwatch:sync:lane"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLane extends the local lane across replicas with a Redis lease. The
// lease expires after ttl so a crashed replica cannot hold the lane forever.
// When Redis is unreachable the lane degrades to process-local exclusion.
type RedisLane struct {
	local  LocalLane
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLane(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisLane {
	return &RedisLane{
		client: client,
		ttl:    ttl,
		logger: logger.Named("lane"),
	}
}

func (l *RedisLane) TryAcquire(ctx context.Context) (func(), error) {
	releaseLocal, err := l.local.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, laneKey, token, l.ttl).Result()
	if err != nil {
		l.logger.Warn("lane lease unavailable, using local exclusion only", zap.Error(err))
		return releaseLocal, nil
	}
	if !ok {
		releaseLocal()
		return nil, fmt.Errorf("%w: held by another replica", domain.ErrAlreadyRunning)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{laneKey}, token).Err(); err != nil {
			l.logger.Warn("failed to release lane lease", zap.Error(err))
		}
		releaseLocal()
	}, nil
}

func (l *RedisLane) Held() bool {
	return l.local.Held()
}
