package subscriptions

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/rampsettle/internal/metrics"
)

const (
	addressPrefix = "subs:addr:"
	indexKey      = "subs:addresses"
)

// unsubscribeScript removes a contract from an address set and drops the
// address from the index once no contract watches it. Returns the number of
// watched addresses.
var unsubscribeScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
end
return redis.call('SCARD', KEYS[2])
`)

// RedisRegistry keeps subscriptions in Redis sets so every server instance
// and the inbound notification workers share one view.
type RedisRegistry struct {
	client redis.UniversalClient
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// Dial parses a redis:// URL and returns a connected client.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisRegistry) Subscribe(ctx context.Context, address string, contractID int64) error {
	k, err := key(address)
	if err != nil {
		return err
	}
	var count *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, addressPrefix+k, contractID)
		p.SAdd(ctx, indexKey, k)
		count = p.SCard(ctx, indexKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", k, err)
	}
	metrics.WatchedAddresses.Set(float64(count.Val()))
	return nil
}

func (r *RedisRegistry) Unsubscribe(ctx context.Context, address string, contractID int64) error {
	k, err := key(address)
	if err != nil {
		return err
	}
	n, err := unsubscribeScript.Run(ctx, r.client,
		[]string{addressPrefix + k, indexKey}, strconv.FormatInt(contractID, 10), k).Int64()
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", k, err)
	}
	metrics.WatchedAddresses.Set(float64(n))
	return nil
}

func (r *RedisRegistry) Contracts(ctx context.Context, address string) ([]int64, error) {
	k, err := key(address)
	if err != nil {
		return nil, err
	}
	members, err := r.client.SMembers(ctx, addressPrefix+k).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt subscription %q for %s: %w", m, k, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *RedisRegistry) Addresses(ctx context.Context) ([]string, error) {
	out, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Ping checks the Redis connection.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Registry = (*RedisRegistry)(nil)
