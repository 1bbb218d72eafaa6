// Package auth manages the single-user gateway token: loaded from the
// environment, from the state directory, or generated on first run.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
)

const (
	tokenFile = "web-auth.json"
	tokenEnv  = "AGENTGATE_TOKEN"
)

type tokenDoc struct {
	Token string `json:"token"`
}

// Manager holds the process's auth token.
type Manager struct {
	token string
}

// NewManager resolves the token: AGENTGATE_TOKEN env wins, then the persisted
// web-auth.json under stateRoot, then a fresh random token written 0600.
func NewManager(stateRoot string, log *logger.Logger) (*Manager, error) {
	if tok := os.Getenv(tokenEnv); tok != "" {
		return &Manager{token: tok}, nil
	}

	path := filepath.Join(stateRoot, tokenFile)
	if data, err := os.ReadFile(path); err == nil {
		var doc tokenDoc
		if jerr := json.Unmarshal(data, &doc); jerr == nil && doc.Token != "" {
			return &Manager{token: doc.Token}, nil
		}
		log.Warn("Ignoring unreadable token file", zap.String("path", path))
	}

	tok, err := generateToken()
	if err != nil {
		return nil, err
	}
	if err := persistToken(path, tok); err != nil {
		return nil, err
	}
	log.Info("Generated new auth token", zap.String("path", path))
	return &Manager{token: tok}, nil
}

// Token returns the active token.
func (m *Manager) Token() string { return m.token }

// Verify compares a presented token in constant time.
func (m *Manager) Verify(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(m.token), []byte(token)) == 1
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// persistToken writes the token file atomically with owner-only permissions.
func persistToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tokenDoc{Token: token}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
