// Copyright 2016 Google LLC
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

package internal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gcpbind/cloud"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TokenInvalidator is implemented by credential caches that can discard a
// token the service has rejected.
type TokenInvalidator interface {
	Invalidate()
}

// Invoke calls f. If ds sets a default timeout and ctx has no deadline, the
// call runs under that timeout. When the service rejects the credential, the
// cached token is invalidated through tp and f is called exactly once more.
// tp may be nil, in which case no call is repeated.
//
// The returned error is one of the cloud error types, or a context error.
func Invoke(ctx context.Context, ds *DialSettings, tp TokenInvalidator, f func(context.Context) error) error {
	opts := []gax.CallOption{
		gax.WithRetry(func() gax.Retryer { return &authRetryer{tp: tp} }),
	}
	if ds != nil && ds.Timeout > 0 {
		opts = append(opts, gax.WithTimeout(ds.Timeout))
	}
	err := gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		return f(ctx)
	}, opts...)
	return ToError(err)
}

// authRetryer retries a single time after a credential rejection. Any other
// failure is returned to the caller as is.
type authRetryer struct {
	tp      TokenInvalidator
	retried bool
}

func (r *authRetryer) Retry(err error) (time.Duration, bool) {
	if r.retried || r.tp == nil || !IsUnauthenticated(err) {
		return 0, false
	}
	r.retried = true
	r.tp.Invalidate()
	return 0, true
}

// IsUnauthenticated reports whether err is a gRPC Unauthenticated status or an
// HTTP 401 response.
func IsUnauthenticated(err error) bool {
	if err == nil {
		return false
	}
	var se *cloud.ServiceError
	if errors.As(err, &se) {
		return se.Code == codes.Unauthenticated
	}
	if status.Code(err) == codes.Unauthenticated {
		return true
	}
	var herr *googleapi.Error
	return errors.As(err, &herr) && herr.Code == http.StatusUnauthorized
}

// ToError converts an error returned by a generated stub into one of the
// cloud error types. Errors that already are of those types, context errors,
// and errors that carry no status are returned unchanged.
func ToError(err error) error {
	if err == nil {
		return nil
	}
	var (
		authErr *cloud.AuthError
		connErr *cloud.ConnectionError
		decErr  *cloud.DecodeError
		svcErr  *cloud.ServiceError
	)
	if errors.As(err, &authErr) || errors.As(err, &connErr) || errors.As(err, &decErr) || errors.As(err, &svcErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	ae, ok := apierror.FromError(err)
	if !ok {
		return err
	}
	if code := ae.HTTPCode(); code > 0 {
		msg := http.StatusText(code)
		var herr *googleapi.Error
		if errors.As(err, &herr) && herr.Message != "" {
			msg = herr.Message
		}
		return &cloud.ServiceError{Code: httpStatusToCode(code), HTTPCode: code, Message: msg, Err: err}
	}
	if st := ae.GRPCStatus(); st != nil {
		return &cloud.ServiceError{Code: st.Code(), Message: st.Message(), Err: err}
	}
	return err
}

func httpStatusToCode(c int) codes.Code {
	switch c {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusRequestedRangeNotSatisfiable:
		return codes.OutOfRange
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case 499:
		return codes.Canceled
	case http.StatusInternalServerError:
		return codes.Internal
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	}
	return codes.Unknown
}
