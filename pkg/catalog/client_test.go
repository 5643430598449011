package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Mnemosyne/pkg/errors"
)

// recordedRequest captures one request for later assertions.
type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Auth   string
	Body   map[string]any
	Rows   []map[string]any
}

// newTestService starts an httptest server that records requests and
// serves canned JSON responses keyed by method+path.
func newTestService(t *testing.T, responses map[string]int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Auth:   r.Header.Get("Authorization"),
		}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if raw[0] == '[' {
				_ = json.Unmarshal(raw, &rec.Rows)
			} else {
				_ = json.Unmarshal(raw, &rec.Body)
			}
		}
		requests = append(requests, rec)

		status := http.StatusOK
		if s, ok := responses[r.Method+" "+r.URL.Path]; ok {
			status = s
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 200 && status < 300 {
			_, _ = w.Write([]byte(`{"key":"x","metadata":{"start":{"uid":"run-1"}},"data_sources":[{"id":1,"structure_family":"array","structure":{"data_type":{"endianness":"little","kind":"f","itemsize":8},"shape":[0,4],"chunks":[[0],[4]]}}]}`))
		}
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	config := DefaultClientConfig(baseURL)
	config.APIToken = "secret-token"
	config.RetryMax = 0
	client, err := NewClient(config, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(nil, zap.NewNop()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewClient(&ClientConfig{}, zap.NewNop()); err == nil {
		t.Error("expected error for empty base URL")
	}
	if _, err := NewClient(DefaultClientConfig("http://localhost:8000"), nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestCreateContainerPostsToNodes(t *testing.T) {
	server, requests := newTestService(t, nil)
	client := newTestClient(t, server.URL)

	node, err := client.CreateContainer(context.Background(), "run-1", map[string]any{"start": map[string]any{"uid": "run-1"}}, []Spec{{Name: "BlueskyRun", Version: "1.0"}})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if node.Path() != "run-1" {
		t.Errorf("path = %q", node.Path())
	}

	req := (*requests)[0]
	if req.Method != http.MethodPost || req.Path != "/api/v1/nodes" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer secret-token" {
		t.Errorf("auth header = %q", req.Auth)
	}
	if req.Body["key"] != "run-1" || req.Body["structure_family"] != "container" {
		t.Errorf("body = %v", req.Body)
	}
	specs, ok := req.Body["specs"].([]any)
	if !ok || len(specs) != 1 {
		t.Fatalf("specs = %v", req.Body["specs"])
	}
	if spec := specs[0].(map[string]any); spec["name"] != "BlueskyRun" || spec["version"] != "1.0" {
		t.Errorf("spec = %v", spec)
	}
}

func TestCreateContainerRejectsEmptyKey(t *testing.T) {
	server, _ := newTestService(t, nil)
	client := newTestClient(t, server.URL)

	if _, err := client.CreateContainer(context.Background(), "  /  ", nil, nil); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestChildContainerNestsPath(t *testing.T) {
	server, requests := newTestService(t, nil)
	client := newTestClient(t, server.URL)

	run, err := client.CreateContainer(context.Background(), "run-1", nil, nil)
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	stream, err := run.CreateContainer(context.Background(), "primary", nil, nil)
	if err != nil {
		t.Fatalf("child CreateContainer: %v", err)
	}
	if stream.Path() != "run-1/primary" {
		t.Errorf("path = %q", stream.Path())
	}

	req := (*requests)[1]
	if req.Path != "/api/v1/nodes/run-1" {
		t.Errorf("child create path = %q", req.Path)
	}
}

func TestChildLookupMiss(t *testing.T) {
	server, requests := newTestService(t, map[string]int{
		"GET /api/v1/metadata/run-1/missing": http.StatusNotFound,
	})
	client := newTestClient(t, server.URL)
	run, _ := client.CreateContainer(context.Background(), "run-1", nil, nil)

	_, found, err := run.Child(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if found {
		t.Error("expected found=false on 404")
	}

	req := (*requests)[1]
	if req.Method != http.MethodGet || req.Path != "/api/v1/metadata/run-1/missing" {
		t.Errorf("lookup = %s %s", req.Method, req.Path)
	}
}

func TestChildLookupHitCarriesDataSources(t *testing.T) {
	server, _ := newTestService(t, nil)
	client := newTestClient(t, server.URL)
	run, _ := client.CreateContainer(context.Background(), "run-1", nil, nil)

	child, found, err := run.Child(context.Background(), "data")
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if !found {
		t.Fatal("expected child to be found")
	}
	if len(child.DataSources()) != 1 || child.DataSources()[0].ID != 1 {
		t.Errorf("data sources = %+v", child.DataSources())
	}
}

func TestUpdateMetadataPuts(t *testing.T) {
	server, requests := newTestService(t, nil)
	client := newTestClient(t, server.URL)
	run, _ := client.CreateContainer(context.Background(), "run-1", nil, nil)

	updated := map[string]any{"start": map[string]any{"uid": "run-1"}, "stop": map[string]any{"uid": "stop-1"}}
	if err := run.UpdateMetadata(context.Background(), updated); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	req := (*requests)[1]
	if req.Method != http.MethodPut || req.Path != "/api/v1/metadata/run-1" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if _, ok := req.Body["metadata"].(map[string]any)["stop"]; !ok {
		t.Errorf("body = %v", req.Body)
	}
	if m := run.Metadata(); m["stop"] == nil {
		t.Error("cached metadata not updated")
	}
}

func TestWriteAndAppendPartition(t *testing.T) {
	server, requests := newTestService(t, nil)
	client := newTestClient(t, server.URL)
	run, _ := client.CreateContainer(context.Background(), "run-1", nil, nil)

	rows := []map[string]any{{"motor_pos": 1.25}}
	if err := run.WritePartition(context.Background(), rows, 0); err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
	if err := run.AppendPartition(context.Background(), rows, 1); err != nil {
		t.Fatalf("AppendPartition: %v", err)
	}

	write := (*requests)[1]
	if write.Method != http.MethodPut || write.Path != "/api/v1/table/partition/run-1" {
		t.Errorf("write = %s %s", write.Method, write.Path)
	}
	if write.Query.Get("partition") != "0" {
		t.Errorf("write partition = %q", write.Query.Get("partition"))
	}
	if len(write.Rows) != 1 || write.Rows[0]["motor_pos"] != 1.25 {
		t.Errorf("write rows = %v", write.Rows)
	}

	appendReq := (*requests)[2]
	if appendReq.Method != http.MethodPatch || appendReq.Query.Get("partition") != "1" {
		t.Errorf("append = %s partition=%q", appendReq.Method, appendReq.Query.Get("partition"))
	}
}

func TestRefreshRereadsDataSources(t *testing.T) {
	server, _ := newTestService(t, nil)
	client := newTestClient(t, server.URL)
	run, _ := client.CreateContainer(context.Background(), "run-1", nil, nil)

	if err := run.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	sources := run.DataSources()
	if len(sources) != 1 {
		t.Fatalf("data sources = %+v", sources)
	}
	s, err := sources[0].ArrayStructure()
	if err != nil {
		t.Fatalf("ArrayStructure: %v", err)
	}
	if s.Shape[1] != 4 {
		t.Errorf("shape = %v", s.Shape)
	}
}

func TestRefreshMissingNodeFails(t *testing.T) {
	server, _ := newTestService(t, map[string]int{
		"GET /api/v1/metadata/run-1": http.StatusNotFound,
	})
	client := newTestClient(t, server.URL)
	run, _ := client.CreateContainer(context.Background(), "run-1", nil, nil)

	if err := run.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for vanished node")
	}
}

func TestPatchDataSourceTargetsID(t *testing.T) {
	server, requests := newTestService(t, nil)
	client := newTestClient(t, server.URL)
	run, _ := client.CreateContainer(context.Background(), "run-1", nil, nil)

	ds := DataSource{ID: 7, StructureFamily: FamilyArray}
	if err := ds.SetStructure(NewArrayStructure(DefaultDtype, []int64{4})); err != nil {
		t.Fatalf("SetStructure: %v", err)
	}
	if err := run.PatchDataSource(context.Background(), ds); err != nil {
		t.Fatalf("PatchDataSource: %v", err)
	}

	req := (*requests)[1]
	if req.Method != http.MethodPut || req.Path != "/api/v1/data_source/run-1" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.Query.Get("data_source") != "7" {
		t.Errorf("data_source = %q", req.Query.Get("data_source"))
	}
	body, ok := req.Body["data_source"].(map[string]any)
	if !ok || body["id"] != float64(7) {
		t.Errorf("body = %v", req.Body)
	}
}

func TestServerErrorWrapsBackendError(t *testing.T) {
	server, _ := newTestService(t, map[string]int{
		"POST /api/v1/nodes": http.StatusConflict,
	})
	client := newTestClient(t, server.URL)

	_, err := client.CreateContainer(context.Background(), "run-1", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !sdkerrors.IsBackend(err) {
		t.Fatalf("expected backend error, got %T: %v", err, err)
	}
	var backendErr *sdkerrors.BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %T: %v", err, err)
	}
	if backendErr.StatusCode != http.StatusConflict {
		t.Errorf("status = %d", backendErr.StatusCode)
	}
	if backendErr.Op != http.MethodPost {
		t.Errorf("op = %q", backendErr.Op)
	}
}
