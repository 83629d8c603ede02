// Package auth manages the local API token: one bearer credential for the
// REST surface, minted on first start, stored owner-only in the config
// directory, and rotated by the scheduler.
//
// Two files live side by side: api_token holds the plaintext for local
// clients to copy, api_token.hash holds the Argon2id digest the server
// verifies against. After minting, the server only ever reads the hash.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// TokenFile holds the plaintext token for local clients.
	TokenFile = "api_token"
	// HashFile holds the Argon2id digest the server verifies against.
	HashFile = "api_token.hash"

	tokenBytes = 32
	filePerm   = 0o600
)

// Keeper owns the token files in one config directory. Safe for concurrent
// Verify calls; Ensure and Rotate swap the cached hash under the lock.
type Keeper struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	hash string
}

func NewKeeper(dir string, logger *slog.Logger) *Keeper {
	return &Keeper{dir: dir, logger: logger}
}

// Ensure loads the stored hash, minting a fresh token when none exists.
// The minted plaintext is returned exactly once so the caller can surface
// it; afterwards only the hash is held in memory.
func (k *Keeper) Ensure() (minted string, fresh bool, err error) {
	raw, err := os.ReadFile(k.hashPath())
	switch {
	case err == nil:
		k.mu.Lock()
		k.hash = strings.TrimSpace(string(raw))
		k.mu.Unlock()
		return "", false, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", false, fmt.Errorf("auth: read %s: %w", HashFile, err)
	}

	token, err := k.mint()
	if err != nil {
		return "", false, err
	}
	k.logger.Info("auth: api token minted", "file", k.TokenPath())
	return token, true, nil
}

// Rotate mints a replacement token and swaps both files. The previous token
// stops verifying the moment the new hash lands.
func (k *Keeper) Rotate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token, err := k.mint()
	if err != nil {
		return "", err
	}
	k.logger.Info("auth: api token rotated", "file", k.TokenPath())
	return token, nil
}

// Verify reports whether the presented token matches the stored hash. Miss
// paths still run a full Argon2id pass so response timing does not reveal
// whether a token is configured at all.
func (k *Keeper) Verify(token string) bool {
	k.mu.RLock()
	encoded := k.hash
	k.mu.RUnlock()

	if encoded == "" || token == "" {
		DummyVerify()
		return false
	}
	ok, err := VerifyToken(token, encoded)
	if err != nil {
		DummyVerify()
		k.logger.Warn("auth: stored token hash unreadable", "error", err)
		return false
	}
	return ok
}

// TokenPath returns the plaintext token file location.
func (k *Keeper) TokenPath() string { return filepath.Join(k.dir, TokenFile) }

func (k *Keeper) hashPath() string { return filepath.Join(k.dir, HashFile) }

// mint generates a token, writes the plaintext then the hash, and caches
// the hash. A crash between the two writes leaves the old hash in force;
// the stale plaintext file is corrected on the next rotation.
func (k *Keeper) mint() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	encoded, err := HashToken(token)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(k.TokenPath(), []byte(token+"\n"), filePerm); err != nil {
		return "", fmt.Errorf("auth: write %s: %w", TokenFile, err)
	}
	if err := os.WriteFile(k.hashPath(), []byte(encoded+"\n"), filePerm); err != nil {
		return "", fmt.Errorf("auth: write %s: %w", HashFile, err)
	}

	k.mu.Lock()
	k.hash = encoded
	k.mu.Unlock()
	return token, nil
}
