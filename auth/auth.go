// Package auth provides the OAuth client used by the Gmail source and the
// Sheets sink. Refreshed tokens are written back to the token store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/sheets/v4"
)

// ErrMissingClientSecrets is returned when the client secrets file is absent.
var ErrMissingClientSecrets = errors.New("oauth client secrets file not found")

// Scopes grants read/modify on mail and read/write on spreadsheets.
var Scopes = []string{gmail.GmailModifyScope, sheets.SpreadsheetsScope}

type Options struct {
	CredentialsFile string
	Store           TokenStore
	// Interactive allows a browser consent flow when no token is stored.
	Interactive bool
	// Prompt receives the consent URL; nil uses stderr.
	Prompt io.Writer
}

type Provider struct {
	opts   Options
	config *oauth2.Config
	logger *slog.Logger
}

func NewProvider(opts Options, logger *slog.Logger) (*Provider, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("token store must not be nil")
	}
	secrets, err := os.ReadFile(opts.CredentialsFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingClientSecrets, opts.CredentialsFile)
	}
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	cfg, err := google.ConfigFromJSON(secrets, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	if opts.Prompt == nil {
		opts.Prompt = os.Stderr
	}
	return &Provider{opts: opts, config: cfg, logger: logger}, nil
}

// Client returns an HTTP client that refreshes and persists its token. A
// missing token fails with ErrNoToken unless interactive consent is enabled.
func (p *Provider) Client(ctx context.Context) (*http.Client, error) {
	tok, err := p.opts.Store.Load()
	switch {
	case errors.Is(err, ErrNoToken):
		if !p.opts.Interactive {
			return nil, fmt.Errorf("%w: run with --interactive to authorize", ErrNoToken)
		}
		tok, err = p.consent(ctx)
		if err != nil {
			return nil, fmt.Errorf("interactive consent: %w", err)
		}
		if err := p.opts.Store.Save(tok); err != nil {
			return nil, err
		}
		if p.logger != nil {
			p.logger.Info("oauth token stored")
		}
	case err != nil:
		return nil, err
	}

	ts := &persistingSource{
		base:   p.config.TokenSource(ctx, tok),
		store:  p.opts.Store,
		last:   tok.AccessToken,
		logger: p.logger,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, ts)), nil
}

// persistingSource saves every token whose access token changed.
type persistingSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	s.last = tok.AccessToken
	if err := s.store.Save(tok); err != nil {
		// the refreshed token is still usable for this run
		if s.logger != nil {
			s.logger.Warn("persist refreshed token failed", "err", err)
		}
		return tok, nil
	}
	if s.logger != nil {
		s.logger.Debug("refreshed oauth token persisted", "expiry", tok.Expiry)
	}
	return tok, nil
}
