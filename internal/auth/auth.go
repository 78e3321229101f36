// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth supplies the bearer tokens attached to every call.
package auth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// expirySkew is subtracted from a token's expiry so a token is never sent
// moments before it lapses.
const expirySkew = 10 * time.Second

// TokenProvider caches an access token and refreshes it when it expires or
// is invalidated. It is safe for concurrent use.
type TokenProvider struct {
	// newSource rebuilds the underlying source after an invalidation. It is
	// nil for caller-supplied token sources.
	newSource func() (oauth2.TokenSource, error)
	projectID string
	now       func() time.Time

	mu    sync.Mutex
	ts    oauth2.TokenSource
	tok   *oauth2.Token
	stale bool
}

// NewTokenProvider resolves the credentials described by ds. It returns nil
// when ds disables authentication. Credentials are looked up in order:
// a token source, credentials JSON, a credentials file, and finally
// Application Default Credentials.
func NewTokenProvider(ctx context.Context, ds *internal.DialSettings) (*TokenProvider, error) {
	if ds.NoAuth {
		return nil, nil
	}
	if ds.TokenSource != nil {
		return NewTokenProviderFromSource(ds.TokenSource), nil
	}
	scopes := ds.GetScopes()
	var find func() (*google.Credentials, error)
	switch {
	case len(ds.CredentialsJSON) > 0:
		find = func() (*google.Credentials, error) {
			return google.CredentialsFromJSON(ctx, ds.CredentialsJSON, scopes...)
		}
	case ds.CredentialsFile != "":
		find = func() (*google.Credentials, error) {
			b, err := os.ReadFile(ds.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("reading credentials file: %w", err)
			}
			return google.CredentialsFromJSON(ctx, b, scopes...)
		}
	default:
		find = func() (*google.Credentials, error) {
			return google.FindDefaultCredentials(ctx, scopes...)
		}
	}
	creds, err := find()
	if err != nil {
		return nil, &cloud.AuthError{Err: err}
	}
	return &TokenProvider{
		newSource: func() (oauth2.TokenSource, error) {
			c, err := find()
			if err != nil {
				return nil, err
			}
			return c.TokenSource, nil
		},
		projectID: creds.ProjectID,
		ts:        creds.TokenSource,
		now:       time.Now,
	}, nil
}

// NewTokenProviderFromSource returns a TokenProvider that draws tokens from
// ts.
func NewTokenProviderFromSource(ts oauth2.TokenSource) *TokenProvider {
	return &TokenProvider{ts: ts, now: time.Now}
}

// ProjectID returns the project ID recorded in the credentials, if any.
func (p *TokenProvider) ProjectID() string {
	if p == nil {
		return ""
	}
	return p.projectID
}

// Token returns a valid token, fetching a new one if the cached token has
// expired or was invalidated. Failures are reported as *cloud.AuthError.
func (p *TokenProvider) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid() {
		return p.tok, nil
	}
	if p.stale && p.newSource != nil {
		ts, err := p.newSource()
		if err != nil {
			return nil, &cloud.AuthError{Err: err}
		}
		p.ts = ts
	}
	tok, err := p.ts.Token()
	if err != nil {
		return nil, &cloud.AuthError{Err: err}
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, &cloud.AuthError{Err: fmt.Errorf("token source returned an empty access token")}
	}
	p.tok = tok
	p.stale = false
	return tok, nil
}

// AuthorizationHeader returns the value of the authorization header for the
// current token, for example "Bearer ya29.abc".
func (p *TokenProvider) AuthorizationHeader() (string, error) {
	tok, err := p.Token()
	if err != nil {
		return "", err
	}
	return tok.Type() + " " + tok.AccessToken, nil
}

// Invalidate discards the cached token. The next call to Token fetches a new
// one.
func (p *TokenProvider) Invalidate() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tok = nil
	p.stale = true
}

func (p *TokenProvider) valid() bool {
	if p.tok == nil || p.tok.AccessToken == "" {
		return false
	}
	if p.tok.Expiry.IsZero() {
		return true
	}
	return p.now().Add(expirySkew).Before(p.tok.Expiry)
}
