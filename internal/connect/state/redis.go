package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "oauth:state:"

// Redis es el backend compartido para deployments multi-instancia: el
// callback puede caer en cualquier proceso y el nonce sigue resolviendo.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Put(ctx context.Context, nonce string, f Flow) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flow state: %w", err)
	}
	return r.rdb.Set(ctx, redisPrefix+nonce, raw, TTL).Err()
}

func (r *Redis) TakeIfValid(ctx context.Context, nonce string) (Flow, bool, error) {
	// GETDEL: lectura y consumo en una sola operación atómica del lado del
	// server, mismo single-use que el backend en memoria.
	raw, err := r.rdb.GetDel(ctx, redisPrefix+nonce).Bytes()
	if errors.Is(err, redis.Nil) {
		return Flow{}, false, nil
	}
	if err != nil {
		return Flow{}, false, fmt.Errorf("take flow state: %w", err)
	}
	var f Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		return Flow{}, false, fmt.Errorf("unmarshal flow state: %w", err)
	}
	return f, true, nil
}

// SweepExpired es un no-op: Redis expira las keys por TTL nativo.
func (r *Redis) SweepExpired(context.Context) error { return nil }
