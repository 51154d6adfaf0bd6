// Package authfile implements a transport.AuthProvider backed by a JSON
// token file on disk, the way a desktop client stores the session issued by
// the identity provider's login flow (which itself is out of scope here).
package authfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/transport"
)

// Provider loads a session from a token file and refreshes it against the
// remote auth endpoint. Safe for concurrent use.
type Provider struct {
	path       string
	refreshURL string
	http       *http.Client
	logger     *log.Logger

	mu      sync.Mutex
	session *transport.Session
}

// New creates a Provider reading tokens from path and refreshing against
// apiURL. A missing token file is not an error; the provider just reports
// unauthenticated until one appears.
func New(path, apiURL string, logger *log.Logger) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("token file path is required")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}

	p := &Provider{
		path:       path,
		refreshURL: strings.TrimRight(apiURL, "/") + "/auth/refresh",
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}

	session, err := readSessionFile(path)
	if err != nil {
		return nil, err
	}
	p.session = session
	return p, nil
}

// IsAuthenticated reports whether a stored session exists. An expired access
// token still counts: the transport will refresh it on first use.
func (p *Provider) IsAuthenticated(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil && p.session.AccessToken != ""
}

// AccessToken returns the current access token when one is stored.
func (p *Provider) AccessToken(ctx context.Context) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil || p.session.AccessToken == "" {
		return "", false
	}
	return p.session.AccessToken, true
}

// RefreshSession exchanges the stored refresh token for a new session and
// persists it back to the token file.
func (p *Provider) RefreshSession(ctx context.Context) (*transport.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil || p.session.RefreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}

	body, err := json.Marshal(map[string]string{"refresh_token": p.session.RefreshToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.refreshURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var session transport.Session
	if err := json.Unmarshal(b, &session); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if session.AccessToken == "" {
		return nil, errors.New("refresh response carried no access token")
	}
	// Providers that rotate refresh tokens return a new one; keep the old
	// token otherwise.
	if session.RefreshToken == "" {
		session.RefreshToken = p.session.RefreshToken
	}

	p.session = &session
	if err := writeSessionFile(p.path, &session); err != nil {
		p.logger.Printf("Failed to persist refreshed session: %v", err)
	}
	return &session, nil
}

// SetSession stores a session (e.g. after an external login) and persists it.
func (p *Provider) SetSession(session *transport.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = session
	return writeSessionFile(p.path, session)
}

func readSessionFile(path string) (*transport.Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var session transport.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("token file %s is malformed: %w", path, err)
	}
	return &session, nil
}

func writeSessionFile(path string, session *transport.Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}
