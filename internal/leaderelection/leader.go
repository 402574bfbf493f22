// Package leaderelection elects a single scheduling instance via a Postgres
// session advisory lock.
//
// The lock lives as long as the dedicated database connection that took it;
// there is no lease renewal. When the connection dies Postgres releases the
// lock server-side, and another instance wins the next campaign. The periodic
// ping only detects local connection death so a stale leader stops triggering
// runs quickly; it never extends the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Loss reasons reported to the metrics sink and logs.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink records leadership changes. Implementations must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Callbacks are invoked on leadership transitions.
//
// OnElected runs in its own goroutine with a context that is cancelled when
// leadership ends; it should start the scheduler and reconciler and return.
// OnDemoted runs synchronously after the context is cancelled and must block
// until leader duties have fully stopped. It may be called more than once.
type Callbacks struct {
	OnElected func(ctx context.Context)
	OnDemoted func()
}

// Elector campaigns for the advisory lock and holds it while healthy. Only
// the lock holder ticks the scheduler, so a workflow's due times are
// triggered once even when several instances share the database.
type Elector struct {
	db        *sql.DB
	lockKey   int64
	retry     time.Duration // follower: pause between campaigns
	heartbeat time.Duration // leader: connection liveness check period
	callbacks Callbacks
	metrics   MetricsSink // optional, nil = disabled
}

func New(db *sql.DB, lockKey int64, retry, heartbeat time.Duration, callbacks Callbacks) *Elector {
	return &Elector{
		db:        db,
		lockKey:   lockKey,
		retry:     retry,
		heartbeat: heartbeat,
		callbacks: callbacks,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run campaigns until ctx is cancelled, holding leadership whenever the lock
// is won and retrying after each loss.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: election loop started (lock_key=%d retry=%s heartbeat=%s)",
		e.lockKey, e.retry, e.heartbeat)

	for ctx.Err() == nil {
		if reason := e.campaign(ctx); reason != "" && ctx.Err() == nil {
			log.Printf("leader: leadership lost (%s), next campaign in %s", reason, e.retry)
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.retry):
		}
	}

	log.Println("leader: election loop stopped")
}

// campaign makes one non-blocking attempt at the lock and, on success, leads
// until the connection fails or ctx is cancelled. It returns the loss reason,
// or "" when the lock was never acquired.
func (e *Elector) campaign(ctx context.Context) string {
	// The advisory lock is session-scoped, so it needs a connection that the
	// pool will not hand to anyone else.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: dedicated connection unavailable: %v", err)
		return ""
	}
	defer conn.Close()

	var won bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&won); err != nil {
		log.Printf("leader: advisory lock attempt failed: %v", err)
		return ""
	}
	if !won {
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.lockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancel := context.WithCancel(ctx)
	go e.callbacks.OnElected(leaderCtx)

	reason := e.watchConnection(ctx, conn)

	cancel()
	e.callbacks.OnDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	log.Printf("leader: released advisory lock %d", e.lockKey)
	return reason
}

// watchConnection pings the lock-holding connection until it fails or ctx is
// cancelled, and reports why leadership ended.
func (e *Elector) watchConnection(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				log.Printf("leader: lock connection ping failed: %v", err)
				return ReasonConnLost
			}
		}
	}
}
