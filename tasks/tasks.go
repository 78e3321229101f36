// Copyright 2020 Google LLC
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
Package tasks is a client for Google Cloud Tasks queues, bound to a single
project and location.

Enqueueing an HTTP task:

	client, err := tasks.NewClient(ctx, "project-id", "us-central1")
	if err != nil {
		// TODO: Handle error.
	}
	q := client.Queue("queue-id")
	task, err := q.CreateTask(ctx, &tasks.TaskConfig{
		HTTPRequest: &tasks.HTTPRequest{
			URL:       "https://example.com/work",
			Method:    http.MethodPost,
			Body:      []byte(`{"job": 1}`),
			OIDCToken: &tasks.OIDCToken{ServiceAccountEmail: "invoker@project-id.iam.gserviceaccount.com"},
		},
	})

To use an emulator, set the CLOUD_TASKS_EMULATOR_HOST environment variable to
its address.
*/
package tasks // import "github.com/gcpbind/cloud/tasks"

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/detect"
	"github.com/gcpbind/cloud/internal/transport"
	"github.com/gcpbind/cloud/option"
)

const (
	// ScopeCloudTasks grants permissions to manage Cloud Tasks queues and
	// tasks.
	ScopeCloudTasks = "https://www.googleapis.com/auth/cloud-tasks"

	// ScopeCloudPlatform grants permissions to view and manage your data
	// across Google Cloud Platform services.
	ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"

	defaultEndpoint = "cloudtasks.googleapis.com:443"
	emulatorEnv     = "CLOUD_TASKS_EMULATOR_HOST"

	// defaultPageSize is the number of queues or tasks requested per page
	// when listing.
	defaultPageSize = 25
)

// Client is a Cloud Tasks client scoped to a project and a location.
//
// A Client may be shared by multiple goroutines.
type Client struct {
	projectID  string
	locationID string
	conn       *transport.GRPCConn
	client     pb.CloudTasksClient
}

// NewClient creates a new Cloud Tasks client for the queues in the given
// project and location. It fails with a *cloud.ConnectionError if the service
// cannot be reached, and with a *cloud.AuthError if no credentials can be
// found.
//
// projectID may be cloud.DetectProjectID to detect the project from the
// environment.
func NewClient(ctx context.Context, projectID, locationID string, opts ...option.ClientOption) (*Client, error) {
	if locationID == "" {
		return nil, errors.New("tasks: location ID is empty")
	}
	ds, err := transport.NewSettings(internal.DialSettings{
		DefaultEndpoint: defaultEndpoint,
		DefaultScopes:   []string{ScopeCloudPlatform, ScopeCloudTasks},
	}, emulatorEnv, opts)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	projectID, err = detect.ProjectID(ctx, projectID, emulatorEnv, ds)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	conn, err := transport.DialGRPC(ctx, "cloudtasks", ds)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	return &Client{
		projectID:  projectID,
		locationID: locationID,
		conn:       conn,
		client:     pb.NewCloudTasksClient(conn.Conn()),
	}, nil
}

// Close releases any resources held by the client. If the client was
// created with option.WithGRPCConn, the connection is left open.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Project returns the project ID of the client.
func (c *Client) Project() string { return c.projectID }

// Location returns the location ID of the client.
func (c *Client) Location() string { return c.locationID }

func (c *Client) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.projectID, c.locationID)
}

func (c *Client) queueName(id string) string {
	return fmt.Sprintf("%s/queues/%s", c.parent(), id)
}

// invoke calls f with the routing header for the resource named by key and
// name.
func (c *Client) invoke(ctx context.Context, method, key, name string, f func(context.Context) error) error {
	ctx = transport.WithRequestParams(ctx, key, name)
	return c.conn.Invoke(ctx, method, f)
}

// lastSegment returns the identifier at the end of a fully qualified
// resource name.
func lastSegment(name string) string {
	return name[strings.LastIndex(name, "/")+1:]
}
