// Copyright 2022 Google LLC
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

package storage

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gcpbind/cloud/option"
	raw "google.golang.org/api/storage/v1"
)

const (
	fakeProject = "P"
	fakeTime    = "2024-05-06T07:08:09Z"
)

// fakeServer is an in-memory implementation of the parts of the Cloud
// Storage JSON API the client uses. Listings are split into pages of
// pageSize entries regardless of what the client asks for.
type fakeServer struct {
	*httptest.Server

	pageSize int
	// rejected bearer tokens are answered with 401.
	rejected map[string]bool

	mu       sync.Mutex
	buckets  map[string]*raw.Bucket
	objects  map[string]map[string]*fakeObject
	requests []string
	authSeen []string
}

type fakeObject struct {
	meta *raw.Object
	data []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		pageSize: 2,
		rejected: map[string]bool{},
		buckets:  map[string]*raw.Bucket{},
		objects:  map[string]map[string]*fakeObject{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// endpoint is the JSON API base URL of the server.
func (f *fakeServer) endpoint() string {
	return f.URL + "/storage/v1/"
}

// newTestClient returns a client talking to f without credentials.
func newTestClient(t *testing.T, f *fakeServer, opts ...option.ClientOption) *Client {
	t.Helper()
	opts = append([]option.ClientOption{
		option.WithEndpoint(f.endpoint()),
		option.WithoutAuthentication(),
	}, opts...)
	c, err := NewClient(context.Background(), fakeProject, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fakeServer) addBucket(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[name] = &raw.Bucket{
		Name:           name,
		Location:       "US",
		StorageClass:   "STANDARD",
		TimeCreated:    fakeTime,
		Updated:        fakeTime,
		Metageneration: 1,
	}
	f.objects[name] = map[string]*fakeObject{}
}

func (f *fakeServer) addObject(bucket, name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket][name] = newFakeObject(bucket, name, "application/octet-stream", data)
}

func newFakeObject(bucket, name, contentType string, data []byte) *fakeObject {
	sum := md5.Sum(data)
	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)))
	return &fakeObject{
		data: data,
		meta: &raw.Object{
			Bucket:         bucket,
			Name:           name,
			ContentType:    contentType,
			Size:           uint64(len(data)),
			Md5Hash:        base64.StdEncoding.EncodeToString(sum[:]),
			Crc32c:         base64.StdEncoding.EncodeToString(crc),
			Generation:     1,
			Metageneration: 1,
			TimeCreated:    fakeTime,
			Updated:        fakeTime,
		},
	}
}

// authHeaders returns the Authorization header of every request served so
// far, including rejected ones.
func (f *fakeServer) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authSeen...)
}

// requestLog returns "METHOD path" for every request served so far.
func (f *fakeServer) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	auth := r.Header.Get("Authorization")
	f.authSeen = append(f.authSeen, auth)
	if f.rejected[strings.TrimPrefix(auth, "Bearer ")] {
		writeError(w, http.StatusUnauthorized, "Invalid Credentials")
		return
	}

	// The path is "<base>/b[/<bucket>[/o[/<object>]]]" for both the
	// metadata and the upload endpoints.
	p := r.URL.EscapedPath()
	i := strings.Index(p, "/b")
	if i < 0 {
		writeError(w, http.StatusNotFound, "unknown path")
		return
	}
	var segs []string
	for _, s := range strings.Split(strings.TrimPrefix(p[i+1:], "/"), "/") {
		u, err := url.PathUnescape(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		segs = append(segs, u)
	}
	f.requests = append(f.requests, r.Method+" "+strings.Join(segs, "/"))

	switch {
	case len(segs) == 1 && r.Method == http.MethodGet:
		f.listBuckets(w, r)
	case len(segs) == 1 && r.Method == http.MethodPost:
		f.insertBucket(w, r)
	case len(segs) == 2 && r.Method == http.MethodGet:
		f.getBucket(w, segs[1])
	case len(segs) == 2 && r.Method == http.MethodDelete:
		f.deleteBucket(w, segs[1])
	case len(segs) == 3 && r.Method == http.MethodGet:
		f.listObjects(w, r, segs[1])
	case len(segs) == 3 && r.Method == http.MethodPost:
		f.insertObject(w, r, segs[1])
	case len(segs) == 4 && r.Method == http.MethodGet:
		f.getObject(w, r, segs[1], segs[3])
	case len(segs) == 4 && r.Method == http.MethodDelete:
		f.deleteObject(w, segs[1], segs[3])
	default:
		writeError(w, http.StatusNotFound, "unknown path")
	}
}

// page returns the entries of names starting at token and the token of the
// following page.
func (f *fakeServer) page(names []string, token string) ([]string, string) {
	start := 0
	if token != "" {
		start, _ = strconv.Atoi(token)
	}
	if start > len(names) {
		start = len(names)
	}
	end := start + f.pageSize
	if end >= len(names) {
		return names[start:], ""
	}
	return names[start:end], strconv.Itoa(end)
}

func (f *fakeServer) listBuckets(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("project") != fakeProject {
		writeError(w, http.StatusBadRequest, "unknown project")
		return
	}
	prefix := r.URL.Query().Get("prefix")
	var names []string
	for name := range f.buckets {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	pg, next := f.page(names, r.URL.Query().Get("pageToken"))
	resp := &raw.Buckets{NextPageToken: next}
	for _, name := range pg {
		resp.Items = append(resp.Items, f.buckets[name])
	}
	writeJSON(w, resp)
}

func (f *fakeServer) insertBucket(w http.ResponseWriter, r *http.Request) {
	var b raw.Bucket
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := f.buckets[b.Name]; ok {
		writeError(w, http.StatusConflict, "You already own this bucket.")
		return
	}
	if b.Location == "" {
		b.Location = "US"
	}
	if b.StorageClass == "" {
		b.StorageClass = "STANDARD"
	}
	b.TimeCreated = fakeTime
	b.Updated = fakeTime
	b.Metageneration = 1
	f.buckets[b.Name] = &b
	f.objects[b.Name] = map[string]*fakeObject{}
	writeJSON(w, &b)
}

func (f *fakeServer) getBucket(w http.ResponseWriter, name string) {
	b, ok := f.buckets[name]
	if !ok {
		writeError(w, http.StatusNotFound, "The specified bucket does not exist.")
		return
	}
	writeJSON(w, b)
}

func (f *fakeServer) deleteBucket(w http.ResponseWriter, name string) {
	if _, ok := f.buckets[name]; !ok {
		writeError(w, http.StatusNotFound, "The specified bucket does not exist.")
		return
	}
	if len(f.objects[name]) > 0 {
		writeError(w, http.StatusConflict, "The bucket you tried to delete is not empty.")
		return
	}
	delete(f.buckets, name)
	delete(f.objects, name)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeServer) listObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	objs, ok := f.objects[bucket]
	if !ok {
		writeError(w, http.StatusNotFound, "The specified bucket does not exist.")
		return
	}
	q := r.URL.Query()
	prefix, delim := q.Get("prefix"), q.Get("delimiter")
	var names []string
	seen := map[string]bool{}
	for name := range objs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if delim != "" {
			if i := strings.Index(name[len(prefix):], delim); i >= 0 {
				dir := name[:len(prefix)+i+len(delim)]
				if !seen[dir] {
					seen[dir] = true
					names = append(names, dir)
				}
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	pg, next := f.page(names, q.Get("pageToken"))
	resp := &raw.Objects{NextPageToken: next}
	for _, name := range pg {
		if seen[name] {
			resp.Prefixes = append(resp.Prefixes, name)
			continue
		}
		resp.Items = append(resp.Items, objs[name].meta)
	}
	writeJSON(w, resp)
}

// insertObject accepts a multipart/related upload: the object metadata
// followed by its content.
func (f *fakeServer) insertObject(w http.ResponseWriter, r *http.Request, bucket string) {
	objs, ok := f.objects[bucket]
	if !ok {
		writeError(w, http.StatusNotFound, "The specified bucket does not exist.")
		return
	}
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var meta raw.Object
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mediaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := io.ReadAll(mediaPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ct := meta.ContentType
	if ct == "" {
		ct = mediaPart.Header.Get("Content-Type")
	}
	o := newFakeObject(bucket, meta.Name, ct, data)
	if prev, ok := objs[meta.Name]; ok {
		o.meta.Generation = prev.meta.Generation + 1
	}
	objs[meta.Name] = o
	writeJSON(w, o.meta)
}

func (f *fakeServer) getObject(w http.ResponseWriter, r *http.Request, bucket, name string) {
	o, ok := f.objects[bucket][name]
	if !ok {
		writeError(w, http.StatusNotFound, "No such object: "+bucket+"/"+name)
		return
	}
	if r.URL.Query().Get("alt") == "media" {
		w.Header().Set("Content-Type", o.meta.ContentType)
		w.Write(o.data)
		return
	}
	writeJSON(w, o.meta)
}

func (f *fakeServer) deleteObject(w http.ResponseWriter, bucket, name string) {
	if _, ok := f.objects[bucket][name]; !ok {
		writeError(w, http.StatusNotFound, "No such object: "+bucket+"/"+name)
		return
	}
	delete(f.objects[bucket], name)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"errors":[{"message":%q}]}}`, code, msg, msg)
}
