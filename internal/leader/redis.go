package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.replikit.dev/internal/common/metrics"
)

// RedisElector implements Elector with a Redis SET NX PX lock renewed on a
// fixed interval, mirroring the lock-renewal pattern the teacher's
// outbox.Processor wires against its redisLeaderElector field.
type RedisElector struct {
	client     *redis.Client
	key        string
	token      string
	leaseTTL   time.Duration
	renewEvery time.Duration

	isLeader atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisElector constructs a RedisElector. leaseTTL should be several
// multiples of renewEvery so a missed renewal or two doesn't immediately
// drop leadership.
func NewRedisElector(client *redis.Client, key string, leaseTTL, renewEvery time.Duration) *RedisElector {
	return &RedisElector{
		client:     client,
		key:        key,
		token:      uuid.NewString(),
		leaseTTL:   leaseTTL,
		renewEvery: renewEvery,
	}
}

// IsLeader reports whether this instance currently holds the lock.
func (e *RedisElector) IsLeader() bool {
	return e.isLeader.Load()
}

// Start begins the acquire/renew loop. onBecomeLeader and onLoseLeadership
// fire on transitions only, never repeatedly while already in that state.
func (e *RedisElector) Start(ctx context.Context, onBecomeLeader, onLoseLeadership func()) error {
	loopCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(loopCtx, onBecomeLeader, onLoseLeadership)
	}()
	return nil
}

func (e *RedisElector) loop(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
	ticker := time.NewTicker(e.renewEvery)
	defer ticker.Stop()

	e.tryAcquireOrRenew(ctx, onBecomeLeader, onLoseLeadership)

	for {
		select {
		case <-ctx.Done():
			e.release(context.Background())
			return
		case <-ticker.C:
			e.tryAcquireOrRenew(ctx, onBecomeLeader, onLoseLeadership)
		}
	}
}

func (e *RedisElector) tryAcquireOrRenew(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
	wasLeader := e.isLeader.Load()

	var acquired bool
	if wasLeader {
		acquired = e.renew(ctx)
	} else {
		acquired = e.acquire(ctx)
	}

	e.isLeader.Store(acquired)

	if acquired && !wasLeader {
		log.Info().Str("key", e.key).Str("token", e.token).Msg("leader: acquired leadership")
		metrics.LeaderElectionState.Set(1)
		onBecomeLeader()
	} else if !acquired && wasLeader {
		log.Warn().Str("key", e.key).Msg("leader: lost leadership")
		metrics.LeaderElectionState.Set(0)
		onLoseLeadership()
	}
}

func (e *RedisElector) acquire(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.key, e.token, e.leaseTTL).Result()
	if err != nil {
		log.Warn().Err(err).Msg("leader: redis acquire failed")
		return false
	}
	return ok
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (e *RedisElector) renew(ctx context.Context) bool {
	result, err := renewScript.Run(ctx, e.client, []string{e.key}, e.token, e.leaseTTL.Milliseconds()).Int()
	if err != nil {
		log.Warn().Err(err).Msg("leader: redis renew failed")
		return false
	}
	return result == 1
}

func (e *RedisElector) release(ctx context.Context) {
	releaseScript := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)
	_, err := releaseScript.Run(ctx, e.client, []string{e.key}, e.token).Result()
	if err != nil {
		log.Warn().Err(err).Msg("leader: redis release failed")
	}
	e.isLeader.Store(false)
	metrics.LeaderElectionState.Set(0)
}

// Stop cancels the renewal loop and releases the lock if held.
func (e *RedisElector) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return nil
}
