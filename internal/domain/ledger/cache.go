package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const balanceCacheTTL = 30 * time.Second

// balanceCache is a read-through Redis cache over the wallet
// projection. It is never written from a read-modify-write cycle:
// writes only ever delete the key, inside the service's apply path,
// so a stale entry can survive at most the TTL.
type balanceCache struct {
	redis *redis.Client // nil disables caching
}

func (c *balanceCache) get(ctx context.Context, userID uuid.UUID) (int64, bool) {
	if c.redis == nil {
		return 0, false
	}
	val, err := c.redis.Get(ctx, c.key(userID)).Result()
	if err != nil {
		return 0, false
	}
	balance, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return balance, true
}

func (c *balanceCache) set(ctx context.Context, userID uuid.UUID, balance int64) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(userID), strconv.FormatInt(balance, 10), balanceCacheTTL).Err(); err != nil {
		log.Debug().Err(err).Str("user_id", userID.String()).Msg("balance cache set failed")
	}
}

func (c *balanceCache) invalidate(ctx context.Context, userID uuid.UUID) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, c.key(userID)).Err(); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("balance cache invalidation failed")
	}
}

func (c *balanceCache) key(userID uuid.UUID) string {
	return "balance:" + userID.String()
}
