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

// Package version contains version information for the client libraries
// in this module.
package version

import (
	"runtime"
	"strings"
)

// Repo is the current version of the module.
const Repo = "0.4.0"

// UserAgent returns the User-Agent sent with every request. extra, if
// non-empty, is appended.
func UserAgent(extra string) string {
	ua := "gcpbind-go/" + Repo
	if extra != "" {
		ua += " " + extra
	}
	return ua
}

// APIClientHeader returns the value of the x-goog-api-client header.
func APIClientHeader() string {
	return "gl-go/" + goVersion() + " gccl/" + Repo
}

// goVersion returns the Go runtime version without the "go" prefix or any
// pre-release suffix.
func goVersion() string {
	v := strings.TrimPrefix(runtime.Version(), "go")
	if i := strings.IndexAny(v, " -+"); i >= 0 {
		v = v[:i]
	}
	if v == "" {
		return "UNKNOWN"
	}
	return v
}
