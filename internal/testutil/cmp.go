// Copyright 2017 Google LLC
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

package testutil

import (
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/testing/protocmp"
)

// Equal tests two values for equality. It is a wrapper around cmp.Equal that
// also compares protocol buffer messages.
func Equal(x, y interface{}, opts ...cmp.Option) bool {
	return cmp.Equal(x, y, append(opts, protocmp.Transform())...)
}

// Diff reports the differences between two values, like cmp.Diff, and also
// handles protocol buffer messages.
func Diff(x, y interface{}, opts ...cmp.Option) string {
	return cmp.Diff(x, y, append(opts, protocmp.Transform())...)
}
