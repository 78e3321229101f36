// Copyright 2014 Google LLC
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

// Package internal provides support for the cloud packages.
//
// Users should not import this package directly.
package internal

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2/internallog"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"
)

// DefaultConnectTimeout bounds client construction when no connect timeout is
// configured.
const DefaultConnectTimeout = 10 * time.Second

// DialSettings holds information needed to establish a connection with a
// Google API service.
type DialSettings struct {
	Endpoint        string
	DefaultEndpoint string
	Scopes          []string
	DefaultScopes   []string

	TokenSource     oauth2.TokenSource
	CredentialsFile string
	CredentialsJSON []byte
	NoAuth          bool

	// Insecure dials without transport security. Emulators set it.
	Insecure bool

	// Timeout is the default deadline of a single call.
	Timeout time.Duration
	// ConnectTimeout bounds how long construction waits for the endpoint.
	ConnectTimeout time.Duration

	GRPCConn     *grpc.ClientConn
	GRPCDialOpts []grpc.DialOption
	HTTPClient   *http.Client

	UserAgent string
	Logger    *slog.Logger
}

// Validate reports an error if ds is invalid.
func (ds *DialSettings) Validate() error {
	hasCreds := ds.TokenSource != nil || ds.CredentialsFile != "" || len(ds.CredentialsJSON) > 0
	if ds.NoAuth && hasCreds {
		return errors.New("options.WithoutAuthentication is incompatible with any option that provides credentials")
	}
	if ds.CredentialsFile != "" && len(ds.CredentialsJSON) > 0 {
		return errors.New("multiple credential options provided")
	}
	if ds.TokenSource != nil && (ds.CredentialsFile != "" || len(ds.CredentialsJSON) > 0) {
		return errors.New("WithTokenSource is incompatible with WithCredentialsFile and WithCredentialsJSON")
	}
	if ds.GRPCConn != nil && ds.HTTPClient != nil {
		return errors.New("WithGRPCConn is incompatible with WithHTTPClient")
	}
	if ds.Timeout < 0 || ds.ConnectTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// GetEndpoint returns the endpoint to dial.
func (ds *DialSettings) GetEndpoint() string {
	if ds.Endpoint != "" {
		return ds.Endpoint
	}
	return ds.DefaultEndpoint
}

// GetScopes returns the user-provided scopes, if set, or else falls back to
// the default scopes.
func (ds *DialSettings) GetScopes() []string {
	if len(ds.Scopes) > 0 {
		return ds.Scopes
	}
	return ds.DefaultScopes
}

// GetConnectTimeout returns the configured connect timeout or
// DefaultConnectTimeout.
func (ds *DialSettings) GetConnectTimeout() time.Duration {
	if ds.ConnectTimeout > 0 {
		return ds.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// GetLogger returns the logger to use. Logging is disabled unless a logger was
// supplied or the GOOGLE_SDK_GO_LOGGING_LEVEL environment variable is set.
func (ds *DialSettings) GetLogger() *slog.Logger {
	return internallog.New(ds.Logger)
}
