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

/*
Package storage provides an easy way to work with Google Cloud Storage
buckets and objects over the JSON API.

Creating a bucket and writing an object:

	client, err := storage.NewClient(ctx, "project-id")
	if err != nil {
		// TODO: Handle error.
	}
	bkt, err := client.CreateBucket(ctx, "bucket-name", nil)
	if err != nil {
		// TODO: Handle error.
	}
	attrs, err := bkt.CreateObject(ctx, "greeting.txt", []byte("hello"), "text/plain")

Reading it back:

	data, err := bkt.Object("greeting.txt").Read(ctx)

Listing the objects of a bucket:

	it := bkt.Objects(ctx, &storage.Query{Prefix: "logs/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			// TODO: Handle error.
		}
		fmt.Println(attrs.Name)
	}

To use an emulator, set the STORAGE_EMULATOR_HOST environment variable to
its address, with or without a scheme.
*/
package storage // import "github.com/gcpbind/cloud/storage"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/detect"
	"github.com/gcpbind/cloud/internal/transport"
	"github.com/gcpbind/cloud/option"
	apioption "google.golang.org/api/option"
	raw "google.golang.org/api/storage/v1"
)

var (
	// ErrBucketNotExist indicates that the bucket does not exist.
	ErrBucketNotExist = errors.New("storage: bucket doesn't exist")
	// ErrObjectNotExist indicates that the object does not exist.
	ErrObjectNotExist = errors.New("storage: object doesn't exist")
)

const (
	// ScopeFullControl grants permissions to manage your
	// data and permissions in Google Cloud Storage.
	ScopeFullControl = raw.DevstorageFullControlScope

	// ScopeReadOnly grants permissions to
	// view your data in Google Cloud Storage.
	ScopeReadOnly = raw.DevstorageReadOnlyScope

	// ScopeReadWrite grants permissions to manage your
	// data in Google Cloud Storage.
	ScopeReadWrite = raw.DevstorageReadWriteScope

	defaultEndpoint = "https://storage.googleapis.com/storage/v1/"
	emulatorEnv     = "STORAGE_EMULATOR_HOST"
)

// Client is a client for interacting with Google Cloud Storage.
//
// Clients should be reused instead of created as needed.
// The methods of Client are safe for concurrent use by multiple goroutines.
type Client struct {
	projectID string
	hc        *transport.HTTPClient
	raw       *raw.Service
}

// NewClient creates a new Google Cloud Storage client bound to projectID,
// which is the project new buckets are created in. It fails with a
// *cloud.ConnectionError if the service cannot be reached, and with a
// *cloud.AuthError if no credentials can be found.
//
// The endpoint given with option.WithEndpoint is the base URL of the JSON
// API, such as "https://storage.googleapis.com/storage/v1/".
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	defaults := internal.DialSettings{
		DefaultEndpoint: defaultEndpoint,
		DefaultScopes:   []string{ScopeFullControl, raw.CloudPlatformScope},
	}
	if host := os.Getenv(emulatorEnv); host != "" {
		defaults.Endpoint = emulatorEndpoint(host)
		defaults.NoAuth = true
	}
	ds, err := transport.NewSettings(defaults, "", opts)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	projectID, err = detect.ProjectID(ctx, projectID, emulatorEnv, ds)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	hc, err := transport.NewHTTPClient(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	rs, err := raw.NewService(ctx,
		apioption.WithHTTPClient(hc.Client()),
		apioption.WithEndpoint(hc.Endpoint()))
	if err != nil {
		return nil, fmt.Errorf("storage: service client creation failed: %w", err)
	}
	return &Client{projectID: projectID, hc: hc, raw: rs}, nil
}

// emulatorEndpoint turns the value of STORAGE_EMULATOR_HOST into the base
// URL of the emulated JSON API.
func emulatorEndpoint(host string) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimSuffix(host, "/") + "/storage/v1/"
}

// Close releases the idle connections held by the client.
//
// Close need not be called at program exit.
func (c *Client) Close() error {
	c.hc.Client().CloseIdleConnections()
	return nil
}

// Project returns the project new buckets are created in.
func (c *Client) Project() string {
	return c.projectID
}

// invoke runs f with the client's default timeout, repeating it once if the
// service rejected the credential.
func (c *Client) invoke(ctx context.Context, f func(context.Context) error) error {
	return c.hc.Invoke(ctx, f)
}

// notExist marks err with sentinel when the service reported the resource
// missing. The *cloud.ServiceError remains reachable with errors.As.
func notExist(err, sentinel error) error {
	if cloud.IsNotFound(err) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}
