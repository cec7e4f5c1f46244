// Package auth verifies dashboard access tokens.
//
// A token has the form "<agentUserId>.<secret>". The server only stores
// Argon2id hashes of the secret part, so a leaked config exposes no usable
// credentials.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidToken is returned for malformed, unknown or mismatched tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrInvalidHash is returned for malformed or unsupported encoded hashes.
var ErrInvalidHash = errors.New("auth: invalid hash")

const argon2Version = 19 // argon2.Version is 0x13 (19)

// Fixed cost parameters. API tokens are long random secrets, not passwords,
// so moderate cost is enough.
const (
	hashMemoryKiB   = 64 * 1024
	hashIterations  = 3
	hashParallelism = 2
	hashSaltLength  = 16
	hashKeyLength   = 32
)

// HashToken hashes a token secret using Argon2id and returns an encoded
// hash string:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
func HashToken(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("auth: empty secret")
	}

	salt := make([]byte, hashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, hashIterations, hashMemoryKiB, hashParallelism, hashKeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version, hashMemoryKiB, hashIterations, hashParallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key),
	), nil
}

// verifySecret checks secret against an encoded Argon2id hash.
func verifySecret(encodedHash, secret string) (bool, error) {
	mem, it, par, salt, expected, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	// Anti-DoS boundary: refuse attacker-controlled hash strings with
	// pathological cost settings.
	if mem > hashMemoryKiB*2 || it > hashIterations*2 || par > hashParallelism*2 {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey([]byte(secret), salt, it, mem, par, uint32(len(expected))) // #nosec G115 -- expected length bounded by decodeHash.

	// Constant-time compare.
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func decodeHash(encoded string) (mem, it uint32, par uint8, salt, hash []byte, err error) {
	// Expected: $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	if parts[2] != "v=19" {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	var parU32 uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &parU32); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	if mem == 0 || it == 0 || parU32 == 0 || parU32 > 255 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err = b64.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	hash, err = b64.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	if len(salt) < 8 || len(salt) > 64 || len(hash) < 16 || len(hash) > 128 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	return mem, it, uint8(parU32), salt, hash, nil
}

// StaticVerifier verifies tokens against a fixed agent -> hash registry.
type StaticVerifier struct {
	hashes map[string]string // agent user id -> encoded argon2id hash
}

// NewStaticVerifier constructs a verifier from an agent -> hash registry.
func NewStaticVerifier(hashes map[string]string) *StaticVerifier {
	cp := make(map[string]string, len(hashes))
	for id, h := range hashes {
		if id != "" && h != "" {
			cp[id] = h
		}
	}
	return &StaticVerifier{hashes: cp}
}

// VerifierFromEnv loads PULSE_AGENT_TOKENS, a semicolon-separated list of
// "<agentUserId>=<encodedHash>" entries. Encoded hashes contain commas, so
// the entry separator is ';', not ','.
func VerifierFromEnv() (*StaticVerifier, error) {
	raw := strings.TrimSpace(os.Getenv("PULSE_AGENT_TOKENS"))
	if raw == "" {
		return nil, nil
	}

	hashes := make(map[string]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, hash, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(hash) == "" {
			return nil, fmt.Errorf("auth: malformed PULSE_AGENT_TOKENS entry: %q", entry)
		}
		hashes[strings.TrimSpace(id)] = strings.TrimSpace(hash)
	}
	return NewStaticVerifier(hashes), nil
}

// Verify checks a "<agentUserId>.<secret>" token and returns the agent user
// id it belongs to.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (string, error) {
	if v == nil {
		return "", ErrInvalidToken
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	agentID, secret, ok := strings.Cut(token, ".")
	if !ok || agentID == "" || secret == "" {
		return "", ErrInvalidToken
	}

	hash, ok := v.hashes[agentID]
	if !ok {
		return "", ErrInvalidToken
	}

	match, err := verifySecret(hash, secret)
	if err != nil || !match {
		return "", ErrInvalidToken
	}
	return agentID, nil
}
