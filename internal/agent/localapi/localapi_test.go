package localapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/lsadehaan/controlcenter/internal/agent/workflow/journal"
)

type staticWorkflows []WorkflowSummary

func (s staticWorkflows) ListWorkflows() []WorkflowSummary { return s }

func newTestAPI(t *testing.T, cfg Config) (*API, *httptest.Server) {
	t.Helper()
	a := New(cfg)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return a, srv
}

func TestHealthzAndInfo(t *testing.T) {
	_, srv := newTestAPI(t, Config{AgentID: "agent-1", Hostname: "box1", Platform: "linux", SSHPort: 2223})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/info")
	if err != nil {
		t.Fatalf("GET /info: %v", err)
	}
	defer resp2.Body.Close()
	var info map[string]any
	json.NewDecoder(resp2.Body).Decode(&info)
	if info["id"] != "agent-1" || info["sshPort"].(float64) != 2223 {
		t.Fatalf("info = %+v", info)
	}
}

func TestLogs_FiltersByLevelAndSearch(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "agent.log")
	content := "2026-01-01 00:00:00 [INFO] [SERVICE] [watcher] file.go:1 - starting up\n" +
		"2026-01-01 00:00:01 [WARN] [SERVICE] [watcher] file.go:2 - retry exhausted\n" +
		"2026-01-01 00:00:02 [ERROR] [SERVICE] [watcher] file.go:3 - hook failed\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, srv := newTestAPI(t, Config{LogPath: logPath})

	resp, err := http.Get(srv.URL + "/logs?level=WARN&search=retry")
	if err != nil {
		t.Fatalf("GET /logs: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Entries []LogEntry `json:"entries"`
		Total   int        `json:"total"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Entries) != 1 || body.Entries[0].Level != "WARN" {
		t.Fatalf("entries = %+v", body.Entries)
	}
}

func TestLogs_NewestFirst(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "agent.log")
	content := "2026-01-01 00:00:00 [INFO] [SERVICE] [watcher] file.go:1 - first\n" +
		"2026-01-01 00:00:01 [INFO] [SERVICE] [watcher] file.go:2 - second\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, srv := newTestAPI(t, Config{LogPath: logPath})
	resp, _ := http.Get(srv.URL + "/logs")
	defer resp.Body.Close()
	var body struct {
		Entries []LogEntry `json:"entries"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Entries) != 2 || body.Entries[0].Message != "second" {
		t.Fatalf("entries = %+v", body.Entries)
	}
}

func TestExecutions_FiltersByWorkflowID(t *testing.T) {
	j := journal.New(t.TempDir())
	rec1, _ := j.Begin("wf-a", "manual", nil)
	_ = rec1
	j.Begin("wf-b", "manual", nil)

	_, srv := newTestAPI(t, Config{Journal: j})
	resp, err := http.Get(srv.URL + "/workflows/executions?workflowId=wf-a")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var records []journal.Record
	json.NewDecoder(resp.Body).Decode(&records)
	if len(records) != 1 || records[0].WorkflowID != "wf-a" {
		t.Fatalf("records = %+v", records)
	}
}

func TestWorkflowState_ListsLoadedWorkflows(t *testing.T) {
	_, srv := newTestAPI(t, Config{Workflows: staticWorkflows{{ID: "wf-a", Name: "A", Enabled: true}}})
	resp, err := http.Get(srv.URL + "/workflows/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var summaries []WorkflowSummary
	json.NewDecoder(resp.Body).Decode(&summaries)
	if len(summaries) != 1 || summaries[0].ID != "wf-a" {
		t.Fatalf("summaries = %+v", summaries)
	}
}

func TestFilesBrowse_RejectsPathOutsideWhitelist(t *testing.T) {
	allowed := t.TempDir()
	_, srv := newTestAPI(t, Config{AllowedPaths: []string{allowed}})

	resp, err := http.Get(srv.URL + "/files/browse?path=" + "/etc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestFilesUploadThenDownload_RoundTrips(t *testing.T) {
	allowed := t.TempDir()
	_, srv := newTestAPI(t, Config{AllowedPaths: []string{allowed}})

	uploadPath := filepath.Join(allowed, "note.txt")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/files/upload?path="+uploadPath, bytes.NewReader([]byte("hello")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	dl, err := http.Get(srv.URL + "/files/download?path=" + uploadPath)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(dl.Body)
	if buf.String() != "hello" {
		t.Fatalf("downloaded content = %q", buf.String())
	}
}

func TestFilesMkdirThenDelete(t *testing.T) {
	allowed := t.TempDir()
	_, srv := newTestAPI(t, Config{AllowedPaths: []string{allowed}})

	newDir := filepath.Join(allowed, "sub")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/files/mkdir?path="+newDir, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	resp.Body.Close()
	if _, err := os.Stat(newDir); err != nil {
		t.Fatalf("expected directory created: %v", err)
	}

	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/files/delete?path="+newDir, nil)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp2.Body.Close()
	if _, err := os.Stat(newDir); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, stat err = %v", err)
	}
}
