package service

import (
	"context"
	"sync"
	"time"

	"tally/internal/referral/ports"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
)

// shardedTx provides the in-memory transactional boundary using sharded
// mutexes. Operations are distributed across shards by the scope user ID, so
// one user's reservation never blocks another user's. Cross-user code
// collisions are still safe: the code store's Create is atomic on its own.
// Unlike a database transaction this is mutual exclusion, not isolation: a
// transaction under a different scope can read individual writes before the
// callback returns.
const numTxShards = 128

// defaultTxTimeout bounds a transaction so abandoned callers cannot park a
// shard lock indefinitely.
const defaultTxTimeout = 5 * time.Second

type shardedTx struct {
	shards  [numTxShards]sync.Mutex
	stores  ports.Stores
	timeout time.Duration
}

// NewShardedTx wraps the given stores in a sharded-lock transaction boundary.
func NewShardedTx(stores ports.Stores) ports.StoreTx {
	return &shardedTx{stores: stores}
}

func (t *shardedTx) RunInTx(ctx context.Context, scope id.UserID, fn func(txCtx context.Context, stores ports.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := int(hashUserID(scope) % numTxShards)
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	// Check again after acquiring the lock; an abandoned caller commits
	// nothing rather than half a transaction.
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(ctx, t.stores)
}

// hashUserID uses FNV-1a over the canonical string form for even shard
// distribution.
func hashUserID(userID id.UserID) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	s := userID.String()
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
