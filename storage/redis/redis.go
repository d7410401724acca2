// Package redis provides a Redis implementation of the subsync.Storage interface.
// Conditional subscription writes run as Lua scripts; event admission and
// intent claims use SET NX so Redis expires them natively.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codecraft/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:").
	// On a cluster, use a hash tag such as "{subsync}:" so the scripts'
	// keys share a slot.
	KeyPrefix string

	// CustomerTTL is the TTL for customer records (0 = no expiration)
	CustomerTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// KEYS: subscription hash, customer index set, stale index zset
	// ARGV: expected version, last event micros, json, retired, id, updated millis
	s.scripts["upsert"] = redis.NewScript(`
		local stored = redis.call('HMGET', KEYS[1], 'version', 'last_event_at')
		local expected = tonumber(ARGV[1])
		local eventAt = tonumber(ARGV[2])
		local version = tonumber(stored[1])

		if not version then
			if expected > 0 then
				return {'conflict', 0}
			end
			version = 0
		else
			if eventAt < tonumber(stored[2]) then
				return {'stale', version}
			end
			if expected ~= -1 and version ~= expected then
				return {'conflict', version}
			end
		end

		version = version + 1
		redis.call('HSET', KEYS[1], 'data', ARGV[3], 'version', version, 'last_event_at', ARGV[2])
		redis.call('SADD', KEYS[2], ARGV[5])
		if ARGV[4] == '1' then
			redis.call('ZREM', KEYS[3], ARGV[5])
		else
			redis.call('ZADD', KEYS[3], ARGV[6], ARGV[5])
		end
		return {'ok', version}
	`)

	// KEYS: event key
	// ARGV: processed_at (RFC3339Nano), error text
	s.scripts["mark"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return 0
		end
		local rec = cjson.decode(raw)
		rec['processed_at'] = ARGV[1]
		if ARGV[2] == '' then
			rec['processing_error'] = nil
		else
			rec['processing_error'] = ARGV[2]
		end
		redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
		return 1
	`)
}

func (s *Storage) subscriptionKey(id string) string {
	return s.config.KeyPrefix + "sub:" + id
}

func (s *Storage) customerIndexKey(customerID string) string {
	return s.config.KeyPrefix + "customer_subs:" + customerID
}

func (s *Storage) staleIndexKey() string {
	return s.config.KeyPrefix + "subs_by_updated"
}

func (s *Storage) customerKey(id string) string {
	return s.config.KeyPrefix + "customer:" + id
}

func (s *Storage) eventKey(id string) string {
	return s.config.KeyPrefix + "event:" + id
}

func (s *Storage) accessKey(customerID string) string {
	return s.config.KeyPrefix + "access:" + customerID
}

func (s *Storage) claimKey(key string) string {
	return s.config.KeyPrefix + "claim:" + key
}

func (s *Storage) deadLetterKey() string {
	return s.config.KeyPrefix + "dead_letters"
}

func (s *Storage) deadLetterIndexKey() string {
	return s.config.KeyPrefix + "dead_letters_by_time"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", subsync.ErrStorageUnavailable, op, err)
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	vals, err := s.client.HMGet(ctx, s.subscriptionKey(id), "data", "version").Result()
	if err != nil {
		return nil, unavailable("get subscription", err)
	}
	return decodeSubscription(vals)
}

func decodeSubscription(vals []interface{}) (*subsync.Subscription, error) {
	if len(vals) < 2 || vals[0] == nil {
		return nil, subsync.ErrSubscriptionNotFound
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected subscription payload type %T", vals[0])
	}
	var sub subsync.Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if v, ok := vals[1].(string); ok {
		var version int64
		if _, err := fmt.Sscan(v, &version); err == nil {
			sub.Version = version
		}
	}
	return &sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription,
	expectedVersion int64) (*subsync.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	next := sub.Clone()
	next.Version = 0
	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription: %w", err)
	}
	retired := "0"
	if sub.Retired {
		retired = "1"
	}

	keys := []string{s.subscriptionKey(sub.ID), s.customerIndexKey(sub.CustomerID), s.staleIndexKey()}
	result, err := s.scripts["upsert"].Run(ctx, s.client, keys,
		expectedVersion,
		sub.LastEventAt.UnixMicro(),
		string(data),
		retired,
		sub.ID,
		sub.UpdatedAt.UnixMilli(),
	).Result()
	if err != nil {
		return nil, unavailable("upsert subscription", err)
	}

	status, version, err := parseUpsertResult(result)
	if err != nil {
		return nil, err
	}
	switch status {
	case "stale":
		return nil, subsync.ErrStaleEvent
	case "conflict":
		return nil, subsync.ErrConflict
	}
	next.Version = version
	return next, nil
}

func parseUpsertResult(result interface{}) (string, int64, error) {
	arr, ok := result.([]interface{})
	if !ok || len(arr) != 2 {
		return "", 0, fmt.Errorf("unexpected script result: %v", result)
	}
	status, ok := arr[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("unexpected script status: %v", arr[0])
	}
	version, ok := arr[1].(int64)
	if !ok {
		return "", 0, fmt.Errorf("unexpected script version: %v", arr[1])
	}
	return status, version, nil
}

// ListSubscriptionsByCustomer implements subsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*subsync.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.customerIndexKey(customerID)).Result()
	if err != nil {
		return nil, unavailable("list customer subscriptions", err)
	}
	return s.loadSubscriptions(ctx, ids)
}

// ListStaleSubscriptions implements subsync.Storage
func (s *Storage) ListStaleSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subsync.Subscription, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("(%d", before.UnixMilli())}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.staleIndexKey(), by).Result()
	if err != nil {
		return nil, unavailable("list stale subscriptions", err)
	}
	return s.loadSubscriptions(ctx, ids)
}

func (s *Storage) loadSubscriptions(ctx context.Context, ids []string) ([]*subsync.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.subscriptionKey(id), "data", "version")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("load subscriptions", err)
	}

	out := make([]*subsync.Subscription, 0, len(ids))
	for _, cmd := range cmds {
		sub, err := decodeSubscription(cmd.Val())
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(ctx context.Context, id string) (*subsync.Customer, error) {
	var c subsync.Customer
	if err := s.getJSON(ctx, s.customerKey(id), &c); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, subsync.ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

// UpsertCustomer implements subsync.Storage
func (s *Storage) UpsertCustomer(ctx context.Context, c *subsync.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}
	return s.setJSON(ctx, s.customerKey(c.ID), c, s.config.CustomerTTL)
}

// AdmitEvent implements subsync.Storage. Records already past ExpiresAt are
// admitted without being stored.
func (s *Storage) AdmitEvent(ctx context.Context, rec *subsync.EventRecord) (subsync.Admission, error) {
	if rec == nil || rec.ID == "" {
		return 0, fmt.Errorf("invalid event record")
	}
	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			return subsync.Admitted, nil
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event record: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.eventKey(rec.ID), data, ttl).Result()
	if err != nil {
		return 0, unavailable("admit event", err)
	}
	if !created {
		return subsync.Duplicate, nil
	}
	return subsync.Admitted, nil
}

// MarkEventProcessed implements subsync.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time, processErr error) error {
	msg := ""
	if processErr != nil {
		msg = processErr.Error()
	}
	err := s.scripts["mark"].Run(ctx, s.client, []string{s.eventKey(eventID)},
		processedAt.UTC().Format(time.RFC3339Nano), msg).Err()
	if err != nil {
		return unavailable("mark event processed", err)
	}
	return nil
}

// GetEvent returns the dedup record for an event id.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*subsync.EventRecord, error) {
	var rec subsync.EventRecord
	if err := s.getJSON(ctx, s.eventKey(eventID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PurgeExpiredEvents implements subsync.Storage. Redis expires event keys on
// its own, so there is nothing to purge.
func (s *Storage) PurgeExpiredEvents(context.Context, time.Time) (int, error) {
	return 0, nil
}

// GetAccess implements subsync.Storage
func (s *Storage) GetAccess(ctx context.Context, customerID string) (*subsync.Access, error) {
	var a subsync.Access
	if err := s.getJSON(ctx, s.accessKey(customerID), &a); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, subsync.ErrAccessNotFound
		}
		return nil, err
	}
	return &a, nil
}

// SetAccess implements subsync.Storage
func (s *Storage) SetAccess(ctx context.Context, a *subsync.Access) error {
	if a == nil || a.CustomerID == "" {
		return fmt.Errorf("invalid access record")
	}
	return s.setJSON(ctx, s.accessKey(a.CustomerID), a, 0)
}

// ClaimIntent implements subsync.Storage
func (s *Storage) ClaimIntent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, unavailable("claim intent", err)
	}
	return ok, nil
}

// ReleaseIntent implements subsync.Storage
func (s *Storage) ReleaseIntent(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.claimKey(key)).Err(); err != nil {
		return unavailable("release intent", err)
	}
	return nil
}

// RecordDeadLetter implements subsync.Storage
func (s *Storage) RecordDeadLetter(ctx context.Context, dl *subsync.DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return fmt.Errorf("invalid dead letter")
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.deadLetterKey(), dl.ID, data)
	pipe.ZAdd(ctx, s.deadLetterIndexKey(), redis.Z{Score: float64(dl.CreatedAt.UnixMilli()), Member: dl.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("record dead letter", err)
	}
	return nil
}

// ListDeadLetters implements subsync.Storage
func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]*subsync.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.deadLetterIndexKey(), 0, stop).Result()
	if err != nil {
		return nil, unavailable("list dead letters", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.deadLetterKey(), ids...).Result()
	if err != nil {
		return nil, unavailable("load dead letters", err)
	}

	out := make([]*subsync.DeadLetter, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var dl subsync.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, &dl)
	}
	return out, nil
}

// DeleteDeadLetter implements subsync.Storage
func (s *Storage) DeleteDeadLetter(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, s.deadLetterKey(), id).Result()
	if err != nil {
		return unavailable("delete dead letter", err)
	}
	if n == 0 {
		return subsync.ErrDeadLetterNotFound
	}
	if err := s.client.ZRem(ctx, s.deadLetterIndexKey(), id).Err(); err != nil {
		return unavailable("delete dead letter", err)
	}
	return nil
}

func (s *Storage) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return err
		}
		return unavailable("get "+key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Storage) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return unavailable("set "+key, err)
	}
	return nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ subsync.Storage = (*Storage)(nil)
