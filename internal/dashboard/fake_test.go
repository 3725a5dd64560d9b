package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"hpwhdash/internal/types"
)

// fakeServer stands in for the control plane: /file works on an in-memory
// file map, everything else is recorded.
type fakeServer struct {
	mu      sync.Mutex
	files   map[string]string
	calls   []call
	read    []string
	failing map[string]bool
}

type call struct {
	endpoint string
	data     map[string]any
}

func newFakeServer(t *testing.T, files map[string]string) (*fakeServer, *Client) {
	t.Helper()
	f := &fakeServer{files: files}
	if f.files == nil {
		f.files = map[string]string{}
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, NewClient(srv.URL, srv.Client())
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	endpoint := strings.TrimPrefix(r.URL.Path, "/")
	w.Header().Set("Content-Type", "application/json")

	if endpoint == "file" {
		name := q.Get("filename")
		switch q.Get("cmd") {
		case "read":
			f.read = append(f.read, name)
			body, ok := f.files[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"not found"}`))
				return
			}
			_, _ = w.Write([]byte(body))
		case "write":
			f.files[name] = q.Get("json_data")
			_, _ = w.Write([]byte(`{}`))
		case "copy":
			body, ok := f.files[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"not found"}`))
				return
			}
			f.files[q.Get("new_filename")] = body
			_, _ = w.Write([]byte(`{}`))
		case "delete":
			if _, ok := f.files[name]; !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"not found"}`))
				return
			}
			delete(f.files, name)
			_, _ = w.Write([]byte(`{}`))
		}
		return
	}

	c := call{endpoint: endpoint}
	if d := q.Get("data"); d != "" {
		_ = json.Unmarshal([]byte(d), &c.data)
	}
	f.calls = append(f.calls, c)
	switch {
	case f.failing[endpoint]:
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"engine exited with status 1"}`))
	case endpoint == "test_proc" && c.data["cmd"] == "start":
		_, _ = w.Write([]byte(`{"port_num":8050}`))
	case endpoint == "perf_proc" && c.data["cmd"] == "start":
		_, _ = w.Write([]byte(`{"port_num":8051}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func (f *fakeServer) file(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[name]
}

// reads lists every /file read of name.
func (f *fakeServer) reads(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.read {
		if r == name {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeServer) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[name]
	return ok
}

func (f *fakeServer) callsTo(endpoint string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

// recorder is a Sender that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []types.Message
	err  error
}

func (r *recorder) Send(_ context.Context, msg types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) sent() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Message(nil), r.msgs...)
}

const modelIndex = `{
  "AquaThermAire": {"name": "AquaTherm Aire"},
  "Rheem2020Prem50": {"name": "Rheem 2020 Premium 50"},
  "LG_APHWC50": {}
}`

const testIndex = `{
  "villara_24hr67": {"group": "standard_tests", "name": "24hr 67"},
  "RE2H50_UEF50": {"group": "standard_tests"},
  "RheemHB50_DOE2014_UEF50": {
    "group": "ad_hoc", "path": "rheem",
    "measured": {"Rheem2020Prem50": "measured.csv"}
  },
  "testLargeDraw": {}
}`

func newTestSession(t *testing.T, files map[string]string) (*Session, *fakeServer, *recorder) {
	t.Helper()
	all := map[string]string{
		ModelIndexFile: modelIndex,
		TestIndexFile:  testIndex,
	}
	for k, v := range files {
		all[k] = v
	}
	fake, client := newFakeServer(t, all)
	live := &recorder{}
	s := NewSession(Options{Client: client, Live: live, Logger: zerolog.Nop()})
	return s, fake, live
}

func requireJSONField(t *testing.T, doc, path, want string) {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &v))
	cur := any(v)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "path %s", path)
		cur = m[part]
	}
	require.Equal(t, want, cur)
}
