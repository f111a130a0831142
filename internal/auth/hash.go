package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key using Argon2id.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// DummyVerify performs an Argon2id hash with the same cost parameters as real
// verification. Call this on auth failure paths where no real hash was checked,
// so that response timing does not reveal whether an agent_id exists.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks an API key against an Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}

// Keyring maps agent IDs to Argon2id-encoded API key hashes. It backs the
// token endpoint: an agent exchanges its API key for a short-lived JWT.
type Keyring struct {
	hashes    map[string]string
	operators map[string]bool
}

// NewKeyring builds a keyring from pre-hashed entries. Agent IDs listed in
// operators receive RoleOperator tokens.
func NewKeyring(hashes map[string]string, operators []string) *Keyring {
	ops := make(map[string]bool, len(operators))
	for _, id := range operators {
		ops[id] = true
	}
	return &Keyring{hashes: hashes, operators: ops}
}

// Verify checks an API key for the given agent and returns the role the
// resulting token should carry. Unknown agents burn a dummy hash so lookup
// failures are not observable through response timing.
func (k *Keyring) Verify(agentID, apiKey string) (Role, error) {
	encoded, ok := k.hashes[agentID]
	if !ok {
		DummyVerify()
		return "", fmt.Errorf("auth: invalid credentials")
	}
	match, err := VerifyAPIKey(apiKey, encoded)
	if err != nil {
		return "", err
	}
	if !match {
		return "", fmt.Errorf("auth: invalid credentials")
	}
	if k.operators[agentID] {
		return RoleOperator, nil
	}
	return RoleAgent, nil
}
