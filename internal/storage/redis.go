package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// setCheckpointScript raises the stored value only when the new one is higher
// and returns the value and timestamp as stored.
var setCheckpointScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current and tonumber(current) >= tonumber(ARGV[2]) then
	return {current, redis.call('HGET', KEYS[2], ARGV[1]) or '0'}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return {ARGV[2], ARGV[3]}
`)

// RedisStorage implements Storage on Redis hashes.
//
// Layout, under the configured key prefix:
//
//	pending:{kind}:{parent}   address -> JSON entry
//	pending:index:{kind}      address -> parent
//	checkpoint:{kind}         address -> value
//	checkpoint:{kind}:updated address -> unix millis
type RedisStorage struct {
	client *redis.Client
	config *StorageConfig
	prefix string
	logger *logrus.Logger
}

// NewRedisStorage creates a new Redis storage instance
func NewRedisStorage(config *StorageConfig) *RedisStorage {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "dao-reconciler:"
	}
	return &RedisStorage{
		config: config,
		prefix: prefix,
		logger: utils.GetLogger(),
	}
}

// Connect parses the redis URL and verifies the server is reachable
func (r *RedisStorage) Connect() error {
	opts, err := redis.ParseURL(r.config.ConnectionString)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeConfiguration, "Invalid Redis connection URL", err)
	}
	if r.config.MaxConnections > 0 {
		opts.PoolSize = r.config.MaxConnections
	}
	if r.config.MaxIdleTime > 0 {
		opts.ConnMaxIdleTime = r.config.MaxIdleTime
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to ping Redis", err)
	}

	r.client = client
	r.logger.WithField("addr", opts.Addr).Info("Redis store connected")
	return nil
}

// Close closes the client
func (r *RedisStorage) Close() error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.logger.Info("Redis store connection closed")
	return err
}

// Ping checks server connectivity
func (r *RedisStorage) Ping() error {
	if r.client == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Redis not connected", "")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Migrate is a no-op: hashes are created on first write
func (r *RedisStorage) Migrate() error { return nil }

func (r *RedisStorage) scopeKey(kind models.EntityKind, parent string) string {
	return r.prefix + "pending:" + string(kind) + ":" + parent
}

func (r *RedisStorage) indexKey(kind models.EntityKind) string {
	return r.prefix + "pending:index:" + string(kind)
}

func (r *RedisStorage) checkpointKey(kind models.CheckpointKind) string {
	return r.prefix + "checkpoint:" + string(kind)
}

// AddPending records a locally created entity
func (r *RedisStorage) AddPending(ctx context.Context, entry *models.PendingEntry) error {
	if err := validatePending(entry); err != nil {
		return err
	}
	stored := models.PendingEntry{
		Kind:      entry.Kind,
		Parent:    normalizeParent(entry.Parent),
		Address:   utils.NormalizeAddress(entry.Address),
		CreatedAt: entry.CreatedAt,
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to marshal pending entry", err)
	}

	added, err := r.client.HSetNX(ctx, r.indexKey(stored.Kind), stored.Address, stored.Parent).Result()
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to add pending entry", err)
	}
	if !added {
		return nil
	}
	if err := r.client.HSet(ctx, r.scopeKey(stored.Kind, stored.Parent), stored.Address, data).Err(); err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to add pending entry", err)
	}
	return nil
}

// RemovePending removes a pending entry; the index HDEL decides the winner
func (r *RedisStorage) RemovePending(ctx context.Context, kind models.EntityKind, address string) (bool, error) {
	addr := utils.NormalizeAddress(address)

	parent, err := r.client.HGet(ctx, r.indexKey(kind), addr).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to look up pending entry", err)
	}

	removed, err := r.client.HDel(ctx, r.indexKey(kind), addr).Result()
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to remove pending entry", err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := r.client.HDel(ctx, r.scopeKey(kind, parent), addr).Err(); err != nil {
		return true, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to remove pending entry", err)
	}
	return true, nil
}

// ListPending lists the pending entries of one scope in creation order
func (r *RedisStorage) ListPending(ctx context.Context, kind models.EntityKind, parent string) ([]*models.PendingEntry, error) {
	values, err := r.client.HGetAll(ctx, r.scopeKey(kind, normalizeParent(parent))).Result()
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to list pending entries", err)
	}

	entries := make([]*models.PendingEntry, 0, len(values))
	for _, raw := range values {
		var entry models.PendingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to decode pending entry", err)
		}
		entries = append(entries, &entry)
	}
	sortPending(entries)
	return entries, nil
}

// GetCheckpoint returns the stored checkpoint or nil
func (r *RedisStorage) GetCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (*models.Checkpoint, error) {
	addr := utils.NormalizeAddress(address)
	key := r.checkpointKey(kind)

	pipe := r.client.Pipeline()
	valueCmd := pipe.HGet(ctx, key, addr)
	updatedCmd := pipe.HGet(ctx, key+":updated", addr)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to get checkpoint", err)
	}

	value, err := valueCmd.Uint64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to decode checkpoint", err)
	}
	updated, _ := updatedCmd.Int64()

	return &models.Checkpoint{
		Kind:      kind,
		Address:   addr,
		Value:     value,
		UpdatedAt: fromMillis(updated),
	}, nil
}

// SetCheckpoint upserts a checkpoint without ever lowering its value
func (r *RedisStorage) SetCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) (*models.Checkpoint, error) {
	if err := validateCheckpoint(checkpoint); err != nil {
		return nil, err
	}
	addr := utils.NormalizeAddress(checkpoint.Address)
	updatedAt := checkpoint.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	key := r.checkpointKey(checkpoint.Kind)

	res, err := setCheckpointScript.Run(ctx, r.client, []string{key, key + ":updated"},
		addr, strconv.FormatUint(checkpoint.Value, 10), strconv.FormatInt(toMillis(updatedAt), 10)).StringSlice()
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to set checkpoint", err)
	}

	value, err := strconv.ParseUint(res[0], 10, 64)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to decode checkpoint", err)
	}
	var stored int64
	if len(res) > 1 {
		stored, _ = strconv.ParseInt(res[1], 10, 64)
	}

	return &models.Checkpoint{
		Kind:      checkpoint.Kind,
		Address:   addr,
		Value:     value,
		UpdatedAt: fromMillis(stored),
	}, nil
}

// ClearCheckpoint deletes a checkpoint, reporting whether it existed
func (r *RedisStorage) ClearCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (bool, error) {
	addr := utils.NormalizeAddress(address)
	key := r.checkpointKey(kind)

	removed, err := r.client.HDel(ctx, key, addr).Result()
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to clear checkpoint", err)
	}
	r.client.HDel(ctx, key+":updated", addr)
	return removed > 0, nil
}

// GetStorageStats returns counts per kind
func (r *RedisStorage) GetStorageStats() (*StorageStats, error) {
	if r.client == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Redis not connected", "")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := newStats("redis")
	for _, kind := range []models.EntityKind{models.KindOrganization, models.KindProposal} {
		n, err := r.client.HLen(ctx, r.indexKey(kind)).Result()
		if err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to count pending entries", err)
		}
		stats.PendingByKind[string(kind)] = n
	}
	for _, kind := range []models.CheckpointKind{models.CheckpointUpdateMillis, models.CheckpointLogicalTime} {
		n, err := r.client.HLen(ctx, r.checkpointKey(kind)).Result()
		if err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to count checkpoints", err)
		}
		stats.CheckpointsByKind[string(kind)] = n
	}
	return stats, nil
}
