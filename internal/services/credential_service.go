package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/capture"
	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
)

// ErrNoSession is returned when a pipeline runs before any capture was
// stored under the requested name.
var ErrNoSession = errors.New("no captured session; paste a request first")

type CredentialService struct {
	Store store.CredentialStore
	Log   zerolog.Logger
}

func NewCredentialService(s store.CredentialStore, log zerolog.Logger) *CredentialService {
	return &CredentialService{Store: s, Log: log.With().Str("component", "credentials").Logger()}
}

// PutCredential parses a pasted cURL or fetch capture and stores the
// session material and the template under name in one step.
func (s *CredentialService) PutCredential(ctx context.Context, name, raw string) (*models.Credential, *capture.Template, error) {
	// 1. Parse the capture
	tmpl, err := capture.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	tmpl.Name = name

	// 2. Derive the session material
	cred := models.Credential{
		Name:         name,
		CookieBundle: capture.CookieString(tmpl.Cookies),
		CSRFToken:    csrfToken(tmpl),
	}
	if cred.CSRFToken == "" {
		s.Log.Warn().Str("name", name).Msg("⚠️ capture carries no csrf-token header or JSESSIONID cookie")
	}
	if _, ok := tmpl.Cookie("li_at"); !ok {
		s.Log.Warn().Str("name", name).Msg("⚠️ capture has no li_at cookie, requests will likely be rejected")
	}

	// 3. Replace both rows atomically
	row := models.RequestTemplate{Name: name, Raw: raw, Spec: *tmpl}
	if err := s.Store.Put(ctx, cred, row); err != nil {
		return nil, nil, fmt.Errorf("store credential %s: %w", name, err)
	}
	stored, err := s.Store.Credential(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("reload credential %s: %w", name, err)
	}
	s.Log.Info().Str("name", name).Int("cookies", len(tmpl.Cookies)).Int("headers", len(tmpl.Headers)).
		Msg("🔑 credential stored")
	return stored, tmpl, nil
}

// csrfToken prefers the captured csrf-token header and falls back to the
// JSESSIONID cookie, which the upstream expects echoed without quotes.
func csrfToken(t *capture.Template) string {
	if v, ok := t.Header("csrf-token"); ok && v != "" {
		return v
	}
	if v, ok := t.Cookie("JSESSIONID"); ok {
		return strings.Trim(v, `"`)
	}
	return ""
}

// Session loads the stored template and builds the RequestContext from the
// current credential.
func (s *CredentialService) Session(ctx context.Context, name string) (*capture.Template, capture.RequestContext, error) {
	var rc capture.RequestContext
	cred, err := s.Store.Credential(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rc, fmt.Errorf("%s: %w", name, ErrNoSession)
	}
	if err != nil {
		return nil, rc, err
	}
	row, err := s.Store.Template(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rc, fmt.Errorf("%s: %w", name, ErrNoSession)
	}
	if err != nil {
		return nil, rc, err
	}
	if cred.NeedsRefresh {
		s.Log.Warn().Str("name", name).Msg("credential was flagged as blocked; trying anyway")
	}
	rc.Cookies = capture.ParseCookies(cred.CookieBundle)
	rc.CSRFToken = cred.CSRFToken
	tmpl := row.Spec
	return &tmpl, rc, nil
}

// MarkBlocked flags the credential after the upstream rejected it.
func (s *CredentialService) MarkBlocked(ctx context.Context, name string) {
	if err := s.Store.MarkNeedsRefresh(context.WithoutCancel(ctx), name); err != nil {
		s.Log.Error().Err(err).Str("name", name).Msg("failed to flag credential")
		return
	}
	s.Log.Warn().Str("name", name).Msg("🚫 session rejected upstream, credential needs a fresh capture")
}

func (s *CredentialService) Status(ctx context.Context, name string) (*models.Credential, error) {
	return s.Store.Credential(ctx, name)
}
