package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/stagetree/internal/assign"
	"github.com/agentic-research/stagetree/internal/client"
	"github.com/agentic-research/stagetree/internal/service"
	"github.com/agentic-research/stagetree/internal/snapshot"
	"github.com/agentic-research/stagetree/internal/stage"
)

const listing = `{
  "dsA": {"object_type": "collection", "objects": {"a.bam": {"object_type": "dataobject"}}},
  "studyB": {"object_type": "collection", "objects": {"run": {"object_type": "collection", "objects": {"x.vcf": {"object_type": "dataobject"}}}}},
  "empty": {"object_type": "collection", "objects": {}}
}`

type memSource struct{}

func (memSource) Name() string { return "mem" }

func (memSource) Stage(context.Context) (*stage.Mapping, []string, error) {
	m, err := stage.Decode([]byte(listing))
	return m, nil, err
}

type backend struct {
	fail map[string]error
}

func (b *backend) result(path string) (*client.Result, error) {
	if err := b.fail[path]; err != nil {
		return nil, err
	}
	return &client.Result{Data: json.RawMessage(`"ok"`)}, nil
}

func (b *backend) MoveStage(_ context.Context, file, _ string) (*client.Result, error) {
	return b.result(file)
}

func (b *backend) MoveResource(_ context.Context, resource, _ string) (*client.Result, error) {
	return b.result(resource)
}

func (b *backend) ImportStudy(_ context.Context, path string) (*client.Result, error) {
	return b.result(path)
}

func (b *backend) ImportDataset(_ context.Context, path, _ string) (*client.Result, error) {
	return b.result(path)
}

func newTestServer(t *testing.T, be *backend, store *snapshot.Store) *httptest.Server {
	t.Helper()
	svc := service.New(memSource{}, 0)
	planner := &assign.Planner{Backend: be, Viewer: svc}
	srv := httptest.NewServer(New(svc, planner, store, stage.LevelDataset).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestGetStage(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)

	tests := []struct {
		query     string
		wantRoots []string
	}{
		{"", []string{"dsA", "studyB"}},
		{"?level=study", []string{"studyB"}},
		{"?level=dataset&refresh=1", []string{"dsA", "studyB"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/api/stage" + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var body struct {
				Source  string           `json:"source"`
				Summary stage.Summary    `json:"summary"`
				Tree    []map[string]any `json:"tree"`
			}
			decode(t, resp, &body)
			assert.Equal(t, "mem", body.Source)
			assert.Equal(t, 3, body.Summary.Unparsed)

			var got []string
			for _, n := range body.Tree {
				got = append(got, n["name"].(string))
			}
			assert.Equal(t, tt.wantRoots, got)
		})
	}
}

func TestGetStage_BadLevel(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)
	resp, err := http.Get(srv.URL + "/api/stage?level=sample")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetStage_Gzip(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stage", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	var body StageResponse
	require.NoError(t, json.NewDecoder(zr).Decode(&body))
	assert.Equal(t, 2, body.Summary.Roots)
}

func TestAssign(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)
	resp := postJSON(t, srv.URL+"/api/stage/assign", `{"files": {"/dsA/a.bam": "DS1"}, "level": "study"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body AssignResponse
	decode(t, resp, &body)
	assert.Equal(t, []string{"dsA/a.bam"}, body.Moved)
	require.NotNil(t, body.Stage)
	assert.Equal(t, stage.LevelStudy, body.Stage.Level)
}

func TestAssign_Partial(t *testing.T) {
	srv := newTestServer(t, &backend{fail: map[string]error{"b": errors.New("denied")}}, nil)
	resp := postJSON(t, srv.URL+"/api/stage/assign", `{"files": {"a": "DS1", "b": "DS1"}}`)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	var body AssignResponse
	decode(t, resp, &body)
	assert.Equal(t, []string{"a"}, body.Moved)
	assert.Equal(t, map[string]string{"b": "denied"}, body.Failed)
}

func TestAssign_Errors(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"empty selection", `{"files": {}}`, http.StatusBadRequest},
		{"resource without study", `{"files": {"x": "resource"}}`, http.StatusBadRequest},
		{"bad level", `{"files": {"x": "DS1"}, "level": "nope"}`, http.StatusBadRequest},
		{"conflicting targets", `{"files": {"/x": "DS1", "x": "DS2"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/stage/assign", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			var body map[string]any
			decode(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestImport(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"study", `{"path": "studyB", "kind": "study"}`, http.StatusAccepted},
		{"dataset", `{"path": "/dsA", "kind": "dataset", "study": "ST1"}`, http.StatusAccepted},
		{"dataset without study", `{"path": "dsA", "kind": "dataset"}`, http.StatusBadRequest},
		{"not a study", `{"path": "dsA", "kind": "study"}`, http.StatusNotFound},
		{"nested", `{"path": "studyB/run", "kind": "dataset", "study": "ST1"}`, http.StatusBadRequest},
		{"unknown kind", `{"path": "dsA", "kind": "sample"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/stage/import", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestImport_BackendError(t *testing.T) {
	be := &backend{fail: map[string]error{"studyB": &client.APIError{Status: 409, Messages: []string{"already importing"}}}}
	srv := newTestServer(t, be, nil)

	resp := postJSON(t, srv.URL+"/api/stage/import", `{"path": "studyB", "kind": "study"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body struct {
		Error    string   `json:"error"`
		Warnings []string `json:"warnings"`
	}
	decode(t, resp, &body)
	assert.Equal(t, []string{"already importing"}, body.Warnings)
}

func TestSnapshots(t *testing.T) {
	store, err := snapshot.Open(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	view, err := service.New(memSource{}, 0).View(context.Background(), stage.LevelDataset, false)
	require.NoError(t, err)
	id, err := store.Save(context.Background(), view)
	require.NoError(t, err)

	srv := newTestServer(t, &backend{}, store)

	resp, err := http.Get(srv.URL + "/api/snapshots")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []snapshot.Record
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	resp2, err := http.Get(srv.URL + "/api/snapshots/latest")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var rec snapshot.Record
	decode(t, resp2, &rec)
	assert.True(t, bytes.Contains(rec.Tree, []byte(`"dsA"`)))

	resp3, err := http.Get(srv.URL + "/api/snapshots/999")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestSnapshots_DisabledWithoutStore(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)
	resp, err := http.Get(srv.URL + "/api/snapshots")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &backend{}, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
