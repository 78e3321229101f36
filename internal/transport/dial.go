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

// Package transport establishes the connections the service clients use and
// attaches credentials to every call made over them.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/auth"
	"github.com/gcpbind/cloud/internal/version"
	"github.com/gcpbind/cloud/option"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// NewSettings applies opts on top of defaults. If emulatorEnv names an
// environment variable that is set, its value becomes the endpoint and the
// connection is made without transport security or authentication; opts are
// applied afterwards and may override that.
func NewSettings(defaults internal.DialSettings, emulatorEnv string, opts []option.ClientOption) (*internal.DialSettings, error) {
	ds := defaults
	if emulatorEnv != "" {
		if addr := os.Getenv(emulatorEnv); addr != "" {
			ds.Endpoint = addr
			ds.Insecure = true
			ds.NoAuth = true
		}
	}
	for _, o := range opts {
		o.Apply(&ds)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// GRPCConn is a gRPC connection together with the credentials attached to
// calls made over it.
type GRPCConn struct {
	conn     *grpc.ClientConn
	settings *internal.DialSettings
	tokens   *auth.TokenProvider
	logger   *slog.Logger
	service  string
	owned    bool
}

// DialGRPC connects to the endpoint in ds. It waits until the connection is
// ready, and fails with a *cloud.ConnectionError if that does not happen
// within the connect timeout. service names the API in log records.
//
// If ds carries a connection from option.WithGRPCConn, it is used as is and
// Close leaves it open.
func DialGRPC(ctx context.Context, service string, ds *internal.DialSettings) (*GRPCConn, error) {
	tp, err := auth.NewTokenProvider(ctx, ds)
	if err != nil {
		return nil, err
	}
	c := &GRPCConn{
		settings: ds,
		tokens:   tp,
		logger:   ds.GetLogger(),
		service:  service,
	}
	if ds.GRPCConn != nil {
		c.conn = ds.GRPCConn
		return c, nil
	}

	endpoint := ds.GetEndpoint()
	var creds credentials.TransportCredentials
	if ds.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewClientTLSFromCert(nil, "")
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUserAgent(version.UserAgent(ds.UserAgent)),
	}
	dialOpts = append(dialOpts, ds.GRPCDialOpts...)
	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, &cloud.ConnectionError{Endpoint: endpoint, Err: err}
	}
	if err := waitForReady(ctx, conn, ds.GetConnectTimeout()); err != nil {
		conn.Close()
		return nil, &cloud.ConnectionError{Endpoint: endpoint, Err: err}
	}
	c.conn = conn
	c.owned = true
	c.logger.DebugContext(ctx, "connected", "serviceName", service, "endpoint", endpoint)
	return c, nil
}

// waitForReady blocks until conn is ready. A transient failure ends the wait
// immediately.
func waitForReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn.Connect()
	for {
		s := conn.GetState()
		switch s {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("connection state %s", s)
		}
		if !conn.WaitForStateChange(ctx, s) {
			return fmt.Errorf("connection state %s: %w", s, ctx.Err())
		}
	}
}

// Conn returns the underlying connection, for constructing stubs.
func (c *GRPCConn) Conn() *grpc.ClientConn { return c.conn }

// Settings returns the settings the connection was made with.
func (c *GRPCConn) Settings() *internal.DialSettings { return c.settings }

// Logger returns the logger for the connection.
func (c *GRPCConn) Logger() *slog.Logger { return c.logger }

// Invoke calls f with a context carrying the authorization and client
// metadata. A call the service rejects as unauthenticated is repeated once
// with a fresh token. method names the RPC in log records.
func (c *GRPCConn) Invoke(ctx context.Context, method string, f func(context.Context) error) error {
	var inv internal.TokenInvalidator
	if c.tokens != nil {
		inv = c.tokens
	}
	c.logger.DebugContext(ctx, "api request", "serviceName", c.service, "rpcName", method)
	err := internal.Invoke(ctx, c.settings, inv, func(ctx context.Context) error {
		ctx, err := c.Outgoing(ctx)
		if err != nil {
			return err
		}
		return f(ctx)
	})
	if err != nil {
		c.logger.DebugContext(ctx, "api error", "serviceName", c.service, "rpcName", method, "error", err)
	}
	return err
}

// Outgoing returns ctx with the authorization and client metadata attached.
// Streaming calls use it directly when opening a stream.
func (c *GRPCConn) Outgoing(ctx context.Context) (context.Context, error) {
	kv := []string{"x-goog-api-client", version.APIClientHeader()}
	if c.tokens != nil {
		h, err := c.tokens.AuthorizationHeader()
		if err != nil {
			return nil, err
		}
		kv = append(kv, "authorization", h)
	}
	return gax.InsertMetadataIntoOutgoingContext(ctx, kv...), nil
}

// WithRequestParams returns ctx with the x-goog-request-params routing
// header built from the given key/value pairs.
func WithRequestParams(ctx context.Context, keyvals ...string) context.Context {
	var params []string
	for i := 0; i+1 < len(keyvals); i += 2 {
		params = append(params, keyvals[i]+"="+url.QueryEscape(keyvals[i+1]))
	}
	return gax.InsertMetadataIntoOutgoingContext(ctx, "x-goog-request-params", strings.Join(params, "&"))
}

// InvalidateToken discards the cached token.
func (c *GRPCConn) InvalidateToken() { c.tokens.Invalidate() }

// Close closes the connection if DialGRPC opened it.
func (c *GRPCConn) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}
