// Package vault administra las API keys de terceros de cada usuario.
// Una key se persiste únicamente después de verificarla en vivo contra el
// proveedor real; el secreto se guarda cifrado y nunca vuelve a un response.
package vault

import (
	"context"
	"errors"
	"fmt"
)

// Errores clasificados del verificador. El servicio los traduce a mensajes
// para el usuario sin incluir jamás el secreto crudo.
var (
	ErrInvalidKey        = errors.New("provider rejected the key")
	ErrRateLimited       = errors.New("provider rate limited the verification")
	ErrInsufficientScope = errors.New("key lacks required permissions")
	ErrNetwork           = errors.New("provider unreachable")
)

// VerifyResult es la metadata que el proveedor devuelve para una key válida.
type VerifyResult struct {
	OrganizationID string
	Permissions    []string
	Models         []string
	RateLimitRPM   int
}

// Verifier hace el round-trip real contra el proveedor.
// Errores de red o timeout se clasifican como ErrNetwork: un timeout no es
// prueba de que el secreto sea inválido.
type Verifier interface {
	Provider() string
	Verify(ctx context.Context, plainKey string) (*VerifyResult, error)
}

// Registry resuelve el verificador por proveedor. Agregar un proveedor es
// registrar un Verifier nuevo, sin tocar el servicio.
type Registry struct {
	byProvider map[string]Verifier
}

func NewRegistry(vs ...Verifier) *Registry {
	r := &Registry{byProvider: make(map[string]Verifier, len(vs))}
	for _, v := range vs {
		r.byProvider[v.Provider()] = v
	}
	return r
}

func (r *Registry) Register(v Verifier) {
	r.byProvider[v.Provider()] = v
}

func (r *Registry) Get(provider string) (Verifier, error) {
	v, ok := r.byProvider[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return v, nil
}

// Providers lista los proveedores registrados.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.byProvider))
	for p := range r.byProvider {
		out = append(out, p)
	}
	return out
}
