package authfile

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/transport"
)

func writeTokens(t *testing.T, session *transport.Session) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tokens.json")
	data, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("failed to marshal session: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write token file: %v", err)
	}
	return path
}

func TestMissingFileIsUnauthenticated(t *testing.T) {
	p, err := New(filepath.Join(t.TempDir(), "absent.json"), "http://localhost", log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if p.IsAuthenticated(context.Background()) {
		t.Error("missing token file must report unauthenticated")
	}
	if _, ok := p.AccessToken(context.Background()); ok {
		t.Error("missing token file must yield no token")
	}
}

func TestLoadsStoredSession(t *testing.T) {
	path := writeTokens(t, &transport.Session{AccessToken: "acc", RefreshToken: "ref"})

	p, err := New(path, "http://localhost", log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if !p.IsAuthenticated(context.Background()) {
		t.Error("stored session should report authenticated")
	}
	token, ok := p.AccessToken(context.Background())
	if !ok || token != "acc" {
		t.Errorf("expected stored token, got %q (ok=%v)", token, ok)
	}
}

func TestMalformedFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := New(path, "http://localhost", log.New(os.Stderr, "[test] ", 0)); err == nil {
		t.Error("expected error for malformed token file")
	}
}

func TestRefreshPersistsNewSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "ref-old" {
			t.Errorf("expected stored refresh token, got %q", body["refresh_token"])
		}
		_ = json.NewEncoder(w).Encode(transport.Session{
			AccessToken:  "acc-new",
			RefreshToken: "ref-new",
			ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		})
	}))
	defer srv.Close()

	path := writeTokens(t, &transport.Session{AccessToken: "acc-old", RefreshToken: "ref-old"})
	p, err := New(path, srv.URL, log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	session, err := p.RefreshSession(context.Background())
	if err != nil {
		t.Fatalf("RefreshSession failed: %v", err)
	}
	if session.AccessToken != "acc-new" {
		t.Errorf("expected new access token, got %q", session.AccessToken)
	}

	// The refreshed session survives a reload from disk
	p2, err := New(path, srv.URL, log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	token, _ := p2.AccessToken(context.Background())
	if token != "acc-new" {
		t.Errorf("refreshed session not persisted, got %q", token)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	path := writeTokens(t, &transport.Session{AccessToken: "acc"})
	p, err := New(path, "http://localhost", log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := p.RefreshSession(context.Background()); err == nil {
		t.Error("expected error when no refresh token is stored")
	}
}

func TestRefreshRejectedByServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "refresh token revoked", http.StatusUnauthorized)
	}))
	defer srv.Close()

	path := writeTokens(t, &transport.Session{AccessToken: "acc", RefreshToken: "ref"})
	p, err := New(path, srv.URL, log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := p.RefreshSession(context.Background()); err == nil {
		t.Error("expected error when the server rejects the refresh")
	}
}
