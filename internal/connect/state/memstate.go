package state

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory es el backend en proceso, para deployments de una sola instancia.
// Un callback que cae en otro proceso que el que emitió la URL va a fallar
// con state inválido: ese es el límite conocido de este backend.
type Memory struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func NewMemory() *Memory {
	return &Memory{
		cache: gocache.New(TTL, 2*TTL),
	}
}

func (m *Memory) Put(_ context.Context, nonce string, f Flow) error {
	if f.IssuedAt.IsZero() {
		f.IssuedAt = time.Now().UTC()
	}
	m.cache.Set(nonce, f, TTL)
	return nil
}

func (m *Memory) TakeIfValid(_ context.Context, nonce string) (Flow, bool, error) {
	// Get+Delete bajo el mismo lock: dos callbacks con el mismo nonce no
	// pueden consumirlo ambos.
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(nonce)
	if !ok {
		return Flow{}, false, nil
	}
	m.cache.Delete(nonce)
	f, ok := v.(Flow)
	return f, ok, nil
}

func (m *Memory) SweepExpired(_ context.Context) error {
	m.cache.DeleteExpired()
	return nil
}
