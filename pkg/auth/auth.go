// Package auth gates state-changing API calls behind bearer tokens issued
// at login. An empty configured panel password disables authentication.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/warppool/warppool/pkg/api"
	"github.com/warppool/warppool/pkg/config"
)

type Authenticator struct {
	cfg    *config.Store
	mu     sync.Mutex
	tokens map[string]struct{}
}

func New(cfg *config.Store) *Authenticator {
	return &Authenticator{cfg: cfg, tokens: map[string]struct{}{}}
}

// Enabled reports whether a panel password is configured.
func (a *Authenticator) Enabled() bool {
	return a.cfg.PanelPassword() != ""
}

func (a *Authenticator) VerifyPassword(password string) bool {
	configured := a.cfg.PanelPassword()
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(configured)) == 1
}

// CreateToken issues a random session token.
func (a *Authenticator) CreateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	a.mu.Lock()
	a.tokens[token] = struct{}{}
	a.mu.Unlock()
	return token, nil
}

func (a *Authenticator) RevokeToken(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

func (a *Authenticator) ValidToken(token string) bool {
	if !a.Enabled() {
		return true
	}
	a.mu.Lock()
	_, ok := a.tokens[token]
	a.mu.Unlock()
	return ok
}

// Middleware rejects requests without a valid bearer token (or ?token=
// query parameter, used by the WebSocket stream).
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !a.ValidToken(token) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorJSON{Message: "not authenticated"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
