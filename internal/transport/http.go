// Copyright 2015 Google LLC
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

package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/auth"
	"github.com/gcpbind/cloud/internal/version"
	"github.com/googleapis/gax-go/v2/internallog"
)

// HTTPClient is an *http.Client whose requests carry the configured
// credentials, together with the endpoint they are sent to.
type HTTPClient struct {
	client   *http.Client
	endpoint string
	settings *internal.DialSettings
	tokens   *auth.TokenProvider
}

// NewHTTPClient builds the HTTP client for ds. Unless the caller supplied
// its own client, the endpoint is checked for reachability first and a
// *cloud.ConnectionError is returned if it cannot be reached within the
// connect timeout.
func NewHTTPClient(ctx context.Context, ds *internal.DialSettings) (*HTTPClient, error) {
	tp, err := auth.NewTokenProvider(ctx, ds)
	if err != nil {
		return nil, err
	}
	endpoint := ds.GetEndpoint()
	base := ds.HTTPClient
	if base == nil {
		if err := preflight(ctx, endpoint, ds); err != nil {
			return nil, &cloud.ConnectionError{Endpoint: endpoint, Err: err}
		}
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	hc := &http.Client{
		Transport: &Transport{
			Base:      rt,
			tokens:    tp,
			userAgent: version.UserAgent(ds.UserAgent),
			logger:    ds.GetLogger(),
		},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}
	return &HTTPClient{client: hc, endpoint: endpoint, settings: ds, tokens: tp}, nil
}

// preflight dials the endpoint's host once.
func preflight(ctx context.Context, endpoint string, ds *internal.DialSettings) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	d := net.Dialer{Timeout: ds.GetConnectTimeout()}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Client returns the authorized client.
func (c *HTTPClient) Client() *http.Client { return c.client }

// Endpoint returns the base URL requests are sent to.
func (c *HTTPClient) Endpoint() string { return c.endpoint }

// Invoke calls f, repeating it once with a fresh token if the service answers
// 401.
func (c *HTTPClient) Invoke(ctx context.Context, f func(context.Context) error) error {
	return internal.Invoke(ctx, c.settings, c.invalidator(), f)
}

// InvokeStream is Invoke for calls whose response body is read after f
// returns. The default timeout bounds a context that outlives the call; the
// returned cancel releases it and must be called once the body is closed.
func (c *HTTPClient) InvokeStream(ctx context.Context, f func(context.Context) error) (context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if c.settings != nil && c.settings.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.settings.Timeout)
	}
	if err := internal.Invoke(ctx, nil, c.invalidator(), f); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

func (c *HTTPClient) invalidator() internal.TokenInvalidator {
	if c.tokens == nil {
		return nil
	}
	return c.tokens
}

// Transport is an http.RoundTripper that sets the authorization and
// user-agent headers on each request before delegating it.
type Transport struct {
	// Base represents the actual http.RoundTripper
	// the requests will be delegated to.
	Base http.RoundTripper

	tokens    *auth.TokenProvider
	userAgent string
	logger    *slog.Logger
}

// RoundTrip sets the headers on a clone of req and delegates the request to
// the base http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.tokens != nil {
		h, err := t.tokens.AuthorizationHeader()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", h)
	}
	ua := req.Header.Get("User-Agent")
	if ua == "" {
		ua = t.userAgent
	} else {
		ua = ua + " " + t.userAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Goog-Api-Client", version.APIClientHeader())
	if t.logger != nil {
		t.logger.DebugContext(req.Context(), "api request", "request", internallog.HTTPRequest(req, nil))
	}
	resp, err := t.Base.RoundTrip(req)
	if err == nil && t.logger != nil {
		t.logger.DebugContext(req.Context(), "api response", "response", internallog.HTTPResponse(resp, nil))
	}
	return resp, err
}
