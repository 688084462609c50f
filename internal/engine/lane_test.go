package engine

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalLane(t *testing.T) {
	lane := NewLocalLane()
	ctx := context.Background()

	release, err := lane.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, lane.Held())

	_, err = lane.TryAcquire(ctx)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	release()
	release()
	assert.False(t, lane.Held())

	release, err = lane.TryAcquire(ctx)
	require.NoError(t, err)
	release()
}

func TestLocalLane_SingleWinnerUnderContention(t *testing.T) {
	lane := NewLocalLane()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		releases []func()
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, err := lane.TryAcquire(context.Background()); err == nil {
				mu.Lock()
				winners++
				releases = append(releases, release)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	for _, r := range releases {
		r()
	}
}

func TestRedisLane(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Del(ctx, laneKey).Err())

	first := NewRedisLane(client, time.Minute, zap.NewNop())
	second := NewRedisLane(client, time.Minute, zap.NewNop())

	release, err := first.TryAcquire(ctx)
	require.NoError(t, err)

	_, err = second.TryAcquire(ctx)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.False(t, second.Held())

	release()
	release2, err := second.TryAcquire(ctx)
	require.NoError(t, err)
	release2()
}
