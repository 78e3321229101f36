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

// Package cloud contains the types shared by the Google Cloud service
// clients in this module: the error taxonomy every operation reports through,
// and the project detection sentinel.
//
// Each service lives in its own package:
//
//   - github.com/gcpbind/cloud/pubsub: topics, subscriptions and messages
//   - github.com/gcpbind/cloud/datastore: keyed entities, queries and transactions
//   - github.com/gcpbind/cloud/storage: buckets and objects
//   - github.com/gcpbind/cloud/tasks: task queues
//   - github.com/gcpbind/cloud/vision: image annotation
//
// Clients are configured with the options in
// github.com/gcpbind/cloud/option.
//
// # Errors
//
// Every failed operation returns one of four error types, possibly wrapped:
//
//   - *ConnectionError: the transport to the service could not be established.
//     Only client construction returns it.
//   - *AuthError: credentials could not be obtained or refreshed.
//   - *ServiceError: the service rejected the call. Code and Message are the
//     provider's status, unmodified.
//   - *DecodeError: a response could not be converted to a Go value.
//
// Use errors.As to inspect them:
//
//	var se *cloud.ServiceError
//	if errors.As(err, &se) && se.Code == codes.NotFound {
//		// ...
//	}
//
// # Timeouts and Cancellation
//
// Every blocking operation takes a context.Context; its deadline and
// cancellation apply to the underlying RPC. A default per-call deadline can be
// set with option.WithTimeout; it is applied only when the caller's context has
// none.
package cloud // import "github.com/gcpbind/cloud"

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// DetectProjectID is a sentinel value that instructs NewClient to detect the
// project ID. It is given in place of the projectID argument. NewClient will
// use the project ID from the given credentials or the default credentials
// (https://developers.google.com/accounts/docs/application-default-credentials)
// if no credentials were provided. When providing credentials, not all
// options will allow NewClient to extract the project ID. Specifically a JWT
// does not have the project ID encoded.
const DetectProjectID = "*detect-project-id*"

// ConnectionError reports that a client could not reach its service endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cloud: cannot connect to %q: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError reports that a credential could not be obtained or refreshed.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("cloud: authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ServiceError is a status returned by a service.
type ServiceError struct {
	// Code is the canonical status code. For HTTP services it is derived
	// from HTTPCode.
	Code codes.Code
	// HTTPCode is the HTTP status of the response, or zero for gRPC services.
	HTTPCode int
	// Message is the status message, as sent by the service.
	Message string
	// Err is the underlying transport error.
	Err error
}

func (e *ServiceError) Error() string {
	if e.HTTPCode != 0 {
		return fmt.Sprintf("cloud: service error: http %d (%s): %s", e.HTTPCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cloud: service error: %s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// DecodeError reports a response that could not be converted into a Go value.
type DecodeError struct {
	// What names the value being decoded, such as "pubsub message" or
	// "datastore entity".
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cloud: cannot decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Code returns the status code carried by err. It returns codes.OK for a nil
// error and codes.Unknown for errors that are not a *ServiceError.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return codes.Unknown
}

// IsNotFound reports whether err is a *ServiceError with code NotFound.
func IsNotFound(err error) bool {
	return Code(err) == codes.NotFound
}
