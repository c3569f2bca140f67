// Package scram derives Kafka SCRAM credentials from plaintext passwords
// per RFC 5802. It is pure computation, no I/O beyond the random salt.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"math/big"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinIterations is the smallest PBKDF2 iteration count Kafka accepts.
	MinIterations = 4096
	// saltLen is the number of random salt bytes per credential.
	saltLen = 32
)

var (
	// ErrEmptyPassword rejects credential generation for empty passwords.
	ErrEmptyPassword = errors.New("scram: password must not be empty")
	// ErrIterations rejects iteration counts below MinIterations.
	ErrIterations = fmt.Errorf("scram: iterations must be >= %d", MinIterations)
	// ErrMechanism rejects unknown SCRAM mechanisms.
	ErrMechanism = errors.New("scram: unsupported mechanism")
)

// Credential is the salted verifier Kafka stores for a principal.
// It is transient: generated on demand and never persisted.
type Credential struct {
	Salt           []byte
	SaltedPassword []byte
	StoredKey      []byte
	ServerKey      []byte
	Mechanism      scrambridge.Mechanism
	Iterations     int32
}

// String identifies the credential without leaking key material.
func (c *Credential) String() string {
	return fmt.Sprintf("ScramCredential{mechanism=%s, iterations=%d}", c.Mechanism, c.Iterations)
}

// SaltBase64 returns the salt in standard Base64 with padding.
func (c *Credential) SaltBase64() string { return base64.StdEncoding.EncodeToString(c.Salt) }

// StoredKeyBase64 returns the stored key in standard Base64 with padding.
func (c *Credential) StoredKeyBase64() string { return base64.StdEncoding.EncodeToString(c.StoredKey) }

// ServerKeyBase64 returns the server key in standard Base64 with padding.
func (c *Credential) ServerKeyBase64() string { return base64.StdEncoding.EncodeToString(c.ServerKey) }

// Generate derives a fresh credential for password. Every call draws a new
// random salt, so two invocations on the same inputs yield different
// credentials.
func Generate(password string, mechanism scrambridge.Mechanism, iterations int) (*Credential, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w, got %d", ErrIterations, iterations)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("scram: read random salt: %w", err)
	}

	return derive(password, salt, mechanism, iterations)
}

// derive computes the RFC 5802 key hierarchy for a fixed salt:
// SaltedPassword = PBKDF2, ClientKey = HMAC(sp, "Client Key"),
// StoredKey = H(ClientKey), ServerKey = HMAC(sp, "Server Key").
func derive(password string, salt []byte, mechanism scrambridge.Mechanism, iterations int) (*Credential, error) {
	newHash, err := hashFor(mechanism)
	if err != nil {
		return nil, err
	}
	digestLen := newHash().Size()

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, digestLen, newHash)

	clientMAC := hmac.New(newHash, saltedPassword)
	clientMAC.Write([]byte("Client Key"))
	clientKey := clientMAC.Sum(nil)

	storedHash := newHash()
	storedHash.Write(clientKey)
	storedKey := storedHash.Sum(nil)

	serverMAC := hmac.New(newHash, saltedPassword)
	serverMAC.Write([]byte("Server Key"))
	serverKey := serverMAC.Sum(nil)

	return &Credential{
		Mechanism:      mechanism,
		Iterations:     int32(iterations),
		Salt:           salt,
		SaltedPassword: saltedPassword,
		StoredKey:      storedKey,
		ServerKey:      serverKey,
	}, nil
}

// hashFor maps a SCRAM mechanism to its digest constructor.
func hashFor(mechanism scrambridge.Mechanism) (func() hash.Hash, error) {
	switch mechanism {
	case scrambridge.MechanismSHA256:
		return sha256.New, nil
	case scrambridge.MechanismSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrMechanism, mechanism)
	}
}

// passwordAlphabet is used for transient passwords generated when no
// plaintext accompanies an upsert.
const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*-_=+"

// RandomPassword returns n cryptographically random characters drawn from
// letters, digits and symbols.
func RandomPassword(n int) (string, error) {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("scram: read random password byte: %w", err)
		}
		buf[i] = passwordAlphabet[idx.Int64()]
	}
	return string(buf), nil
}
