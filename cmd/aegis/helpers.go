package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	aegis "github.com/aegis-audit/aegis/sdk/golang"
)

// configTokenStore persists the session token in the [auth] section of the
// config file. AEGIS_TOKEN, when set, takes precedence and is never written.
type configTokenStore struct{}

func (configTokenStore) Load() (string, error) {
	if tok := os.Getenv("AEGIS_TOKEN"); tok != "" {
		return tok, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Auth.Token, nil
}

func (configTokenStore) Save(token string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.Token = token
	return saveConfig(cfg)
}

func (configTokenStore) Clear() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth = ConfigAuth{}
	return saveConfig(cfg)
}

// rememberIdentity records who the stored token belongs to, for status output.
func rememberIdentity(u *aegis.UserRef) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.UserID = string(u.ID)
	cfg.Auth.UserName = u.Name
	cfg.Auth.Role = string(u.Role)
	return saveConfig(cfg)
}

// baseURL resolves the server URL: AEGIS_BASE_URL, then the config file,
// then the library default.
func baseURL(cfg *Config) string {
	if u := os.Getenv("AEGIS_BASE_URL"); u != "" {
		return u
	}
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return aegis.DefaultBaseURL
}

// newEngine builds an engine backed by the config file. The session is still
// anonymous; callers either log in or call restoreSession.
func newEngine() (*aegis.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client := aegis.NewClient("", aegis.WithBaseURL(baseURL(cfg)), aegis.WithLogger(slog.Default()))
	return aegis.NewEngine(client, &aegis.EngineOptions{
		TokenStore: configTokenStore{},
		Realtime:   &aegis.RealtimeConfig{AutoReconnect: true},
	}), nil
}

// restoreSession verifies the stored token and fails unless the session ends
// up authenticated with a live connection.
func restoreSession(e *aegis.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.Session.Restore(ctx); err != nil {
		if errors.Is(err, aegis.ErrSessionExpired) {
			return fmt.Errorf("session expired; run 'aegis login' again")
		}
		return fmt.Errorf("cannot restore session: %w", err)
	}
	if !e.Session.Snapshot().Authenticated() {
		return fmt.Errorf("not logged in; run 'aegis login <email>' first")
	}
	if !e.Connection.Live() {
		return fmt.Errorf("realtime connection failed: %w", e.Connection.LastError())
	}
	return nil
}

// withSession runs fn against an authenticated engine and closes it after.
func withSession(fn func(e *aegis.Engine) error) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	if err := restoreSession(e); err != nil {
		return err
	}
	return fn(e)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
