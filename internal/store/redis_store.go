package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"dead-mans-switch/internal/core"
)

const maxWatchRetries = 8

// RedisStore keeps contracts as CBOR strings and the beneficiary index as one
// set per beneficiary. Mutations WATCH the contract key and write contract and
// set in one MULTI/EXEC, so another process racing on the same trustor makes
// the transaction retry instead of interleaving.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, prefix)
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dms"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) policyKey() string { return s.prefix + ":policy" }

func (s *RedisStore) contractKey(trustor core.Identity) string {
	return s.prefix + ":contract:" + string(trustor)
}

func (s *RedisStore) trustorsKey(beneficiary core.Identity) string {
	return s.prefix + ":trustors:" + string(beneficiary)
}

func (s *RedisStore) Policy(ctx context.Context) (core.GlobalPolicy, error) {
	data, err := s.client.Get(ctx, s.policyKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.GlobalPolicy{}, ErrNotFound
	}
	if err != nil {
		return core.GlobalPolicy{}, err
	}
	var rec policyRecord
	if err := unmarshalCBOR(data, &rec); err != nil {
		return core.GlobalPolicy{}, fmt.Errorf("decode policy: %w", err)
	}
	return core.GlobalPolicy{MinDelay: core.Tick(rec.MinDelay), MaxDelay: core.Tick(rec.MaxDelay)}, nil
}

func (s *RedisStore) SetPolicy(ctx context.Context, p core.GlobalPolicy) error {
	data, err := marshalCBOR(policyRecord{MinDelay: uint64(p.MinDelay), MaxDelay: uint64(p.MaxDelay)})
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.policyKey(), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Contract(ctx context.Context, trustor core.Identity) (core.Contract, error) {
	return s.getContract(ctx, s.client, trustor)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getContract(ctx context.Context, g getter, trustor core.Identity) (core.Contract, error) {
	data, err := g.Get(ctx, s.contractKey(trustor)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Contract{}, ErrNotFound
	}
	if err != nil {
		return core.Contract{}, err
	}
	return decodeContract(data)
}

func (s *RedisStore) Contracts(ctx context.Context) (map[core.Identity]core.Contract, error) {
	prefix := s.prefix + ":contract:"
	out := make(map[core.Identity]core.Contract)
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		trustor := core.Identity(strings.TrimPrefix(key, prefix))
		c, err := s.getContract(ctx, s.client, trustor)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[trustor] = c
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) TrustorsFor(ctx context.Context, beneficiary core.Identity) ([]core.Identity, error) {
	members, err := s.client.SMembers(ctx, s.trustorsKey(beneficiary)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.Identity, 0, len(members))
	for _, m := range members {
		out = append(out, core.Identity(m))
	}
	return sortIdentities(out), nil
}

func (s *RedisStore) Index(ctx context.Context) (map[core.Identity][]core.Identity, error) {
	prefix := s.prefix + ":trustors:"
	out := make(map[core.Identity][]core.Identity)
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		beneficiary := core.Identity(strings.TrimPrefix(iter.Val(), prefix))
		trustors, err := s.TrustorsFor(ctx, beneficiary)
		if err != nil {
			return nil, err
		}
		if len(trustors) > 0 {
			out[beneficiary] = trustors
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Insert(ctx context.Context, trustor core.Identity, c core.Contract) error {
	data, err := encodeContract(c)
	if err != nil {
		return err
	}
	key := s.contractKey(trustor)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.trustorsKey(c.Beneficiary), string(trustor))
			return nil
		})
		return err
	})
}

func (s *RedisStore) Update(ctx context.Context, trustor core.Identity, c core.Contract) error {
	data, err := encodeContract(c)
	if err != nil {
		return err
	}
	key := s.contractKey(trustor)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		prev, err := s.getContract(ctx, tx, trustor)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if prev.Beneficiary != c.Beneficiary {
				pipe.SRem(ctx, s.trustorsKey(prev.Beneficiary), string(trustor))
				pipe.SAdd(ctx, s.trustorsKey(c.Beneficiary), string(trustor))
			}
			return nil
		})
		return err
	})
}

func (s *RedisStore) Delete(ctx context.Context, trustor core.Identity) error {
	key := s.contractKey(trustor)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		prev, err := s.getContract(ctx, tx, trustor)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.trustorsKey(prev.Beneficiary), string(trustor))
			return nil
		})
		return err
	})
}

func (s *RedisStore) RebuildIndex(ctx context.Context) error {
	contracts, err := s.Contracts(ctx)
	if err != nil {
		return err
	}
	var stale []string
	iter := s.client.Scan(ctx, 0, s.prefix+":trustors:*", 256).Iterator()
	for iter.Next(ctx) {
		stale = append(stale, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.Del(ctx, stale...)
		}
		for trustor, c := range contracts {
			pipe.SAdd(ctx, s.trustorsKey(c.Beneficiary), string(trustor))
		}
		return nil
	})
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// watch runs fn under WATCH key, retrying when another client touched it.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: %s kept changing after %d attempts", key, maxWatchRetries)
}

func encodeContract(c core.Contract) ([]byte, error) {
	return marshalCBOR(contractRecord{
		Beneficiary: string(c.Beneficiary),
		Delay:       uint64(c.Delay),
		LastPing:    uint64(c.LastPing),
	})
}

func decodeContract(data []byte) (core.Contract, error) {
	var rec contractRecord
	if err := unmarshalCBOR(data, &rec); err != nil {
		return core.Contract{}, fmt.Errorf("decode contract: %w", err)
	}
	return core.Contract{
		Beneficiary: core.Identity(rec.Beneficiary),
		Delay:       core.Tick(rec.Delay),
		LastPing:    core.Tick(rec.LastPing),
	}, nil
}
