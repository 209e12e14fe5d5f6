// Package state guarda la correlación efímera de los flujos OAuth: el nonce
// que viaja como parámetro "state" y los datos para retomar el flujo en el
// callback. Es la única defensa CSRF del flujo, TTL de 10 minutos, single-use.
package state

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// TTL de un flujo pendiente.
const TTL = 10 * time.Minute

// Flow es la entrada asociada a un nonce.
type Flow struct {
	UserID        string    `json:"user_id"`
	IntegrationID string    `json:"integration_id"`
	RedirectURI   string    `json:"redirect_uri"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Store es el contrato del state store. El backend por defecto es un mapa en
// proceso; en deployments multi-instancia se reemplaza por el backend Redis
// con la misma semántica TTL/single-use. El contrato es la interfaz, no el
// backing store.
type Store interface {
	// Put registra el flujo bajo el nonce con el TTL del paquete.
	Put(ctx context.Context, nonce string, f Flow) error
	// TakeIfValid devuelve el flujo si el nonce existe y no expiró, y lo
	// consume en el mismo paso (single-use). Nonce desconocido, ya consumido
	// o vencido devuelve ok=false.
	TakeIfValid(ctx context.Context, nonce string) (Flow, bool, error)
	// SweepExpired barre entradas vencidas. Barato de llamar seguido.
	SweepExpired(ctx context.Context) error
}

// NewNonce genera el valor aleatorio que viaja como parámetro state.
func NewNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("state nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
