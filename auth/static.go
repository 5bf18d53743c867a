// Package auth resolves bearer tokens to callers.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/config"
)

// StaticVerifier checks tokens against the SHA-256 hashes configured per
// agent. The agent set can be swapped at runtime.
type StaticVerifier struct {
	mu      sync.RWMutex
	callers map[string]spendguard.Caller
}

var _ spendguard.Verifier = (*StaticVerifier)(nil)

// NewStaticVerifier builds a verifier for agents.
func NewStaticVerifier(agents []config.Agent) *StaticVerifier {
	v := &StaticVerifier{}
	v.Update(agents)
	return v
}

// Update replaces the agent set. Entries without a hash are skipped.
func (v *StaticVerifier) Update(agents []config.Agent) {
	callers := make(map[string]spendguard.Caller, len(agents))
	for _, a := range agents {
		hash := strings.ToLower(strings.TrimSpace(a.TokenSHA256))
		if hash == "" {
			continue
		}
		callers[hash] = a.Caller()
	}
	v.mu.Lock()
	v.callers = callers
	v.mu.Unlock()
}

// Verify returns the caller owning token.
func (v *StaticVerifier) Verify(_ context.Context, token string) (*spendguard.Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, spendguard.NewError(spendguard.KindUnauthorized, "missing credential", nil)
	}
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	v.mu.RLock()
	defer v.mu.RUnlock()
	for known, caller := range v.callers {
		if subtle.ConstantTimeCompare([]byte(known), []byte(hash)) == 1 {
			c := caller
			return &c, nil
		}
	}
	return nil, spendguard.NewError(spendguard.KindUnauthorized, "unknown credential", nil)
}

// HashToken returns the hex SHA-256 of token, the form stored in config.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
