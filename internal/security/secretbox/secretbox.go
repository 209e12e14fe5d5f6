// Package secretbox provee cifrado simétrico AES-256-GCM para secretos en reposo
// (API keys de terceros, tokens OAuth). Cada valor cifrado lleva su propio nonce
// y tag de autenticación, por lo que una rotación de clave puede migrar registro
// por registro sin formato adicional.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dropDatabas3/keybridge/internal/observability/logger"
)

const (
	nonceSizeGCM      = 12  // AES-GCM nonce recomendado (96 bits)
	requiredKeyLength = 32  // 32 bytes => AES-256
	sep               = "|" // v1|base64(nonce)|base64(ciphertext)
	formatVersion     = "v1"

	// DefaultDevSecret es la clave de desarrollo embebida. Usarla en prod
	// dispara un warning al arrancar.
	DefaultDevSecret = "keybridge-dev-secret-change-me"
)

// Errores del paquete.
var (
	ErrNoKey   = errors.New("secretbox: master key not configured")
	ErrDecrypt = errors.New("secretbox: decryption failed")
)

// Box cifra y descifra strings con una clave maestra fija de proceso.
// La clave se deriva una sola vez en la construcción y es inmutable.
type Box struct {
	key []byte
}

// NewFromSecret crea un Box a partir del secreto configurado.
// Normalización determinística:
//   - si el secreto decodifica como base64 de 32 bytes, se usa tal cual
//   - en cualquier otro caso se deriva sha256(secreto)
//
// Si el secreto es el default embebido y env es "prod", loguea un warning:
// el servicio no debe operar silenciosamente con una clave trivial.
func NewFromSecret(secret, env string) (*Box, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoKey
	}
	if secret == DefaultDevSecret && strings.EqualFold(env, "prod") {
		logger.L().Warn("weak default encryption key in production; set a real master key",
			logger.Component("secretbox"),
		)
	}

	var key []byte
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil && len(b) == requiredKeyLength {
		key = b
	} else if b, err := base64.RawStdEncoding.DecodeString(secret); err == nil && len(b) == requiredKeyLength {
		key = b
	} else {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}

	return &Box{key: key}, nil
}

// Encrypt cifra plainText y devuelve v1|base64(nonce)|base64(ciphertext).
// El nonce es aleatorio por llamada: dos cifrados del mismo texto nunca coinciden.
func (b *Box) Encrypt(plainText string) (string, error) {
	aesgcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}

	ct := aesgcm.Seal(nil, nonce, []byte(plainText), nil)

	return formatVersion + sep +
		base64.StdEncoding.EncodeToString(nonce) + sep +
		base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt recibe un blob v1|... y devuelve el texto plano.
// Si el tag de autenticación no verifica (tamper o clave equivocada) retorna
// ErrDecrypt: nunca plaintext corrupto.
//
// Compatibilidad: si el valor no parsea como blob estructurado se asume dato
// legacy sin cifrar, se loguea un warning y se devuelve tal cual. Esto permite
// migrar registros pre-cifrado sin un flag day.
func (b *Box) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		logger.L().Warn("legacy plaintext value encountered, returning as-is",
			logger.Component("secretbox"),
		)
		return stored, nil
	}

	parts := strings.SplitN(stored, sep, 3)
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceSizeGCM {
		return "", fmt.Errorf("%w: bad nonce", ErrDecrypt)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrDecrypt)
	}

	aesgcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	pt, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(pt), nil
}

// IsEncrypted reporta si un valor almacenado parsea como blob v1.
// Lo que no parsea se trata como legacy plaintext en Decrypt.
func IsEncrypted(stored string) bool {
	parts := strings.SplitN(stored, sep, 3)
	if len(parts) != 3 || parts[0] != formatVersion {
		return false
	}
	if _, err := base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return false
	}
	if _, err := base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return false
	}
	return true
}

// Rewrap descifra un blob con el Box viejo y lo recifra con el nuevo.
// Pieza básica del pass de migración para rotar la clave maestra.
func Rewrap(oldBox, newBox *Box, stored string) (string, error) {
	pt, err := oldBox.Decrypt(stored)
	if err != nil {
		return "", err
	}
	return newBox.Encrypt(pt)
}

func (b *Box) gcm() (cipher.AEAD, error) {
	if len(b.key) != requiredKeyLength {
		return nil, ErrNoKey
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	return cipher.NewGCM(block)
}
