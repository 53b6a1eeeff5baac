// Package storage archives settled transactions in Redis.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/atomic"

	"github.com/cmatc13/txqueue/internal/queue"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/service"
)

// ServiceName is the registry name of the archive.
const ServiceName = "redis-archive"

const (
	// Transaction key prefix for storing settled records
	txKeyPrefix = "tx:"

	// Account key prefix for the per-account history sorted sets
	accountKeyPrefix = "account:"
)

// Options configures a RedisArchive.
type Options struct {
	Addr     string
	Password string
	DB       int
	// TTL expires archived records. Zero keeps them forever.
	TTL time.Duration
	// Prefix namespaces every key, so several queues can share a server.
	Prefix string
}

// RedisArchive stores settled records as JSON under tx:<id> and indexes
// them per account in a sorted set scored by settlement time.
type RedisArchive struct {
	Client *redis.Client
	opts   Options
	logger *logging.Logger
	state  atomic.String
}

// NewRedisArchive creates an archive. The connection is checked by Start.
func NewRedisArchive(opts Options, logger *logging.Logger) *RedisArchive {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &RedisArchive{
		Client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		opts:   opts,
		logger: logger.WithField("component", ServiceName),
	}
	a.state.Store(string(service.StatusStopped))
	return a
}

func (a *RedisArchive) txKey(id queue.ID) string {
	return a.opts.Prefix + txKeyPrefix + strconv.FormatUint(uint64(id), 10)
}

func (a *RedisArchive) accountKey(account string) string {
	return a.opts.Prefix + accountKeyPrefix + account + ":txs"
}

// Archive implements queue.Archiver.
func (a *RedisArchive) Archive(ctx context.Context, rec queue.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.StorageWrapWithCode(err, apperrors.OpSerialize, apperrors.StorageErrSerialization,
			"failed to serialize record")
	}

	settled := rec.SettledAt
	if settled.IsZero() {
		settled = time.Now()
	}
	accountKey := a.accountKey(rec.AccountID)

	_, err = a.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.txKey(rec.ID), data, a.opts.TTL)
		pipe.ZAdd(ctx, accountKey, &redis.Z{
			Score:  float64(settled.UnixMilli()),
			Member: strconv.FormatUint(uint64(rec.ID), 10),
		})
		if a.opts.TTL > 0 {
			cutoff := time.Now().Add(-a.opts.TTL).UnixMilli()
			pipe.ZRemRangeByScore(ctx, accountKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
			pipe.Expire(ctx, accountKey, a.opts.TTL)
		}
		return nil
	})
	if err != nil {
		return apperrors.StorageWrapWithCode(err, apperrors.OpArchive, apperrors.StorageErrWrite,
			fmt.Sprintf("failed to archive transaction %d", rec.ID))
	}
	return nil
}

// Get returns the archived record of id.
func (a *RedisArchive) Get(ctx context.Context, id queue.ID) (queue.Record, error) {
	data, err := a.Client.Get(ctx, a.txKey(id)).Bytes()
	if err == redis.Nil {
		return queue.Record{}, apperrors.StorageErrorf(apperrors.StorageErrNotFound, "transaction not found: %d", id)
	}
	if err != nil {
		return queue.Record{}, apperrors.StorageWrapWithCode(err, apperrors.OpGet, apperrors.StorageErrRead,
			"failed to read transaction")
	}
	return decode(data)
}

// ListByAccount returns up to limit records of account, most recently
// settled first. Expired records are skipped.
func (a *RedisArchive) ListByAccount(ctx context.Context, account string, limit, offset int64) ([]queue.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := a.Client.ZRevRange(ctx, a.accountKey(account), offset, offset+limit-1).Result()
	if err != nil {
		return nil, apperrors.StorageWrapWithCode(err, apperrors.OpList, apperrors.StorageErrRead,
			"failed to list account transactions")
	}
	if len(ids) == 0 {
		return []queue.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = a.opts.Prefix + txKeyPrefix + id
	}
	values, err := a.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.StorageWrapWithCode(err, apperrors.OpList, apperrors.StorageErrRead,
			"failed to read account transactions")
	}

	records := make([]queue.Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decode(data []byte) (queue.Record, error) {
	var rec queue.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return queue.Record{}, apperrors.StorageWrapWithCode(err, apperrors.OpDeserialize,
			apperrors.StorageErrDeserialization, "failed to deserialize record")
	}
	return rec, nil
}

// Ping checks the connection.
func (a *RedisArchive) Ping(ctx context.Context) error {
	if err := a.Client.Ping(ctx).Err(); err != nil {
		return apperrors.StorageWrapWithCode(err, apperrors.OpConnect, apperrors.StorageErrConnection,
			"failed to connect to Redis")
	}
	return nil
}

// Close closes the Redis connection.
func (a *RedisArchive) Close() error {
	return a.Client.Close()
}

var _ service.Service = (*RedisArchive)(nil)

// Name implements service.Service.
func (a *RedisArchive) Name() string { return ServiceName }

// Dependencies implements service.Service.
func (a *RedisArchive) Dependencies() []string { return nil }

// Status implements service.Service.
func (a *RedisArchive) Status() service.Status { return service.Status(a.state.Load()) }

// Health implements service.Service.
func (a *RedisArchive) Health() error {
	if s := a.Status(); s != service.StatusRunning {
		return fmt.Errorf("%s is %s", ServiceName, s)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.Ping(ctx)
}

// Start checks that Redis is reachable.
func (a *RedisArchive) Start(ctx context.Context) error {
	if err := a.Ping(ctx); err != nil {
		a.state.Store(string(service.StatusError))
		return err
	}
	a.state.Store(string(service.StatusRunning))
	a.logger.Info("Redis archive connected", "address", a.opts.Addr, "ttl", a.opts.TTL.String())
	return nil
}

// Stop closes the connection.
func (a *RedisArchive) Stop(ctx context.Context) error {
	a.state.Store(string(service.StatusStopping))
	err := a.Close()
	a.state.Store(string(service.StatusStopped))
	return err
}
