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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// indexExclusionsEnv names the environment variable holding the path of an
// index exclusions file.
const indexExclusionsEnv = "INDEX_EXCLUDED"

// IndexExclusions lists, per kind, the properties stored without an index.
// Its YAML form is:
//
//	kind:
//	  customer:
//	    property:
//	      email: true
//	      lastName: true
//
// Properties not listed, or listed as false, are indexed unless their
// struct tag says noindex.
type IndexExclusions struct {
	Kind map[string]PropertyExclusions `yaml:"kind"`
}

// PropertyExclusions lists the excluded properties of one kind.
type PropertyExclusions struct {
	Property map[string]bool `yaml:"property"`
}

// Excluded reports whether property of kind is stored without an index. It
// is safe to call on a nil *IndexExclusions.
func (ix *IndexExclusions) Excluded(kind, property string) bool {
	if ix == nil {
		return false
	}
	return ix.Kind[kind].Property[property]
}

// ParseIndexExclusions decodes an index exclusions document. Unknown fields
// are an error.
func ParseIndexExclusions(data []byte) (*IndexExclusions, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var ix IndexExclusions
	if err := dec.Decode(&ix); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("datastore: parsing index exclusions: %w", err)
	}
	return &ix, nil
}

// LoadIndexExclusions reads and decodes the index exclusions file at path.
func LoadIndexExclusions(path string) (*IndexExclusions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("datastore: reading index exclusions: %w", err)
	}
	return ParseIndexExclusions(data)
}

// indexExclusionsFromEnv loads the file named by INDEX_EXCLUDED. An unset
// variable or a missing file means no exclusions.
func indexExclusionsFromEnv() (*IndexExclusions, error) {
	path := os.Getenv(indexExclusionsEnv)
	if path == "" {
		return nil, nil
	}
	ix, err := LoadIndexExclusions(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return ix, err
}
