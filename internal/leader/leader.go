// Package leader elects one replica among several that run against the
// same ingestion source, using a Redis or Mongo lock. An Elector only
// reports and signals leadership; it does not itself stop any executor
// from firing, and cmd/replicator does not construct one.
package leader

import "context"

// Elector arbitrates leadership across replicas. OnBecomeLeader/
// OnLoseLeadership are invoked from the elector's own goroutine and must
// return quickly.
type Elector interface {
	Start(ctx context.Context, onBecomeLeader, onLoseLeadership func()) error
	IsLeader() bool
	Stop(ctx context.Context) error
}
