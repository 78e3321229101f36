// Copyright 2024 Google LLC
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

package datastore

import (
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/option"
)

// datastoreConfig contains the Datastore client option configuration that can be
// set through datastoreClientOptions.
type datastoreConfig struct {
	ignoreFieldMismatchErrors bool
	exclusions                *IndexExclusions
	exclusionsPath            string
}

// newDatastoreConfig generates a new datastoreConfig with all the given
// datastoreClientOptions applied.
func newDatastoreConfig(opts ...option.ClientOption) datastoreConfig {
	var conf datastoreConfig
	for _, opt := range opts {
		if datastoreOpt, ok := opt.(datastoreClientOption); ok {
			datastoreOpt.applyDatastoreOpt(&conf)
		}
	}
	return conf
}

// A datastoreClientOption is an option for a Google Datastore client.
type datastoreClientOption interface {
	option.ClientOption
	applyDatastoreOpt(*datastoreConfig)
}

// datastoreOnly satisfies option.ClientOption for options that do not touch
// the dial settings.
type datastoreOnly struct{}

func (datastoreOnly) Apply(*internal.DialSettings) {}

// WithIgnoreFieldMismatch allows ignoring ErrFieldMismatch error while
// reading or querying data.
// WARNING: Ignoring ErrFieldMismatch can cause data loss while writing
// back to Datastore. E.g.
// if entity written to Datastore is {X: 1, Y:2} and it is read into
// type NewStruct struct{X int}, then {X:1} is returned.
// Now, if this is written back to Datastore, there will be no Y field
// left for this entity in Datastore
func WithIgnoreFieldMismatch() option.ClientOption {
	return withIgnoreFieldMismatch{}
}

type withIgnoreFieldMismatch struct{ datastoreOnly }

func (withIgnoreFieldMismatch) applyDatastoreOpt(c *datastoreConfig) {
	c.ignoreFieldMismatchErrors = true
}

// WithIndexExclusions stores the listed properties without an index. It
// takes precedence over the INDEX_EXCLUDED environment variable.
func WithIndexExclusions(ix *IndexExclusions) option.ClientOption {
	return withIndexExclusions{ix: ix}
}

// WithIndexExclusionsFile is like WithIndexExclusions, reading the
// exclusions from a YAML file when the client is created. A missing file is
// an error.
func WithIndexExclusionsFile(path string) option.ClientOption {
	return withIndexExclusions{path: path}
}

type withIndexExclusions struct {
	datastoreOnly
	ix   *IndexExclusions
	path string
}

func (w withIndexExclusions) applyDatastoreOpt(c *datastoreConfig) {
	c.exclusions = w.ix
	c.exclusionsPath = w.path
}
