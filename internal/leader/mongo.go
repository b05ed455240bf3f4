package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.replikit.dev/internal/common/metrics"
)

// MongoElector implements Elector with a findOneAndUpdate compare-and-swap
// lock document, mirroring the teacher's mongoLeaderElector shape that sits
// alongside RedisElector on outbox.Processor.
type MongoElector struct {
	collection *mongo.Collection
	lockID     string
	token      string
	leaseTTL   time.Duration
	renewEvery time.Duration

	isLeader atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type lockDocument struct {
	ID        string    `bson:"_id"`
	Token     string    `bson:"token"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// NewMongoElector constructs a MongoElector against a collection dedicated
// to lock documents (one document per lockID).
func NewMongoElector(collection *mongo.Collection, lockID string, leaseTTL, renewEvery time.Duration) *MongoElector {
	return &MongoElector{
		collection: collection,
		lockID:     lockID,
		token:      uuid.NewString(),
		leaseTTL:   leaseTTL,
		renewEvery: renewEvery,
	}
}

// IsLeader reports whether this instance currently holds the lock.
func (e *MongoElector) IsLeader() bool {
	return e.isLeader.Load()
}

// Start begins the acquire/renew loop.
func (e *MongoElector) Start(ctx context.Context, onBecomeLeader, onLoseLeadership func()) error {
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

func (e *MongoElector) loop(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
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

func (e *MongoElector) tryAcquireOrRenew(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
	wasLeader := e.isLeader.Load()
	now := time.Now()

	filter := bson.M{
		"_id": e.lockID,
		"$or": []bson.M{
			{"token": e.token},
			{"expiresAt": bson.M{"$lt": now}},
		},
	}
	update := bson.M{
		"$set": lockDocument{
			ID:        e.lockID,
			Token:     e.token,
			ExpiresAt: now.Add(e.leaseTTL),
		},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true)
	var result lockDocument
	err := e.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)

	acquired := err == nil
	if err == mongo.ErrNoDocuments {
		// Upsert path on some driver versions reports ErrNoDocuments for
		// the pre-image when ReturnDocument isn't set to After; treat the
		// absence of a conflicting holder as success since the filter only
		// matches when we either already own it or it's expired.
		acquired = true
	}

	e.isLeader.Store(acquired)

	if acquired && !wasLeader {
		log.Info().Str("lockID", e.lockID).Str("token", e.token).Msg("leader: acquired leadership")
		metrics.LeaderElectionState.Set(1)
		onBecomeLeader()
	} else if !acquired && wasLeader {
		log.Warn().Str("lockID", e.lockID).Msg("leader: lost leadership")
		metrics.LeaderElectionState.Set(0)
		onLoseLeadership()
	}
}

func (e *MongoElector) release(ctx context.Context) {
	_, err := e.collection.DeleteOne(ctx, bson.M{"_id": e.lockID, "token": e.token})
	if err != nil {
		log.Warn().Err(err).Msg("leader: mongo release failed")
	}
	e.isLeader.Store(false)
	metrics.LeaderElectionState.Set(0)
}

// Stop cancels the renewal loop and releases the lock if held.
func (e *MongoElector) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return nil
}
