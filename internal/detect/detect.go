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

// Package detect is used find information from the environment.
package detect

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/auth"
)

// ProjectID tries to detect the project ID from the environment if the sentinel
// value, "*detect-project-id*", is sent. It looks in the following order:
//  1. GOOGLE_CLOUD_PROJECT envvar
//  2. the project ID recorded in the credentials of ds
//  3. A static value if the environment is emulated.
func ProjectID(ctx context.Context, projectID string, emulatorEnvVar string, ds *internal.DialSettings) (string, error) {
	if projectID != cloud.DetectProjectID {
		return projectID, nil
	}
	if id := os.Getenv("GOOGLE_CLOUD_PROJECT"); id != "" {
		return id, nil
	}
	emulated := emulatorEnvVar != "" && os.Getenv(emulatorEnvVar) != ""
	if ds.NoAuth {
		if emulated {
			return "emulated-project", nil
		}
		return "", errors.New("unable to detect projectID without credentials")
	}
	tp, err := auth.NewTokenProvider(ctx, ds)
	if err != nil {
		if emulated {
			return "emulated-project", nil
		}
		return "", fmt.Errorf("fetching creds: %w", err)
	}
	if id := tp.ProjectID(); id != "" {
		return id, nil
	}
	if emulated {
		return "emulated-project", nil
	}
	return "", errors.New("unable to detect projectID, please refer to docs for DetectProjectID")
}
