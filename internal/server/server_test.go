package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/lansync/internal/admission"
	"github.com/ssd-technologies/lansync/internal/state"
	"github.com/ssd-technologies/lansync/internal/storage"
)

const testPort = 45177

type testEnv struct {
	srv     *Server
	state   *state.State
	db      *storage.DB
	changed atomic.Int32
}

// setupTestDB creates a temporary SQLite database for testing.
func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setupTestServer creates a server over a fresh database and storage root.
func setupTestServer(t *testing.T, remoteRate int) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	env := &testEnv{
		state: state.New(state.Config{ComputerName: "test-box", BroadcastInterval: time.Second}),
		db:    setupTestDB(t),
	}
	root := t.TempDir()
	checker := admission.NewChecker(admission.Config{
		DefaultRoot:  root,
		MinFreeBytes: 1 << 20,
		Logger:       logger,
		Usage: func(_ context.Context, p string) (*state.DiskUsage, error) {
			return &state.DiskUsage{DiskPath: p, Free: 10 << 30, Size: 100 << 30}, nil
		},
	})
	env.srv = New(Config{
		Port:             testPort,
		DefaultStorage:   root,
		State:            env.state,
		DB:               env.db,
		Admission:        checker,
		VCRBatchMaxItems: 10,
		VCRBatchMaxWait:  5 * time.Millisecond,
		RemoteRate:       remoteRate,
		RemoteWindow:     time.Minute,
		SettingsChanged:  func(context.Context) { env.changed.Add(1) },
		Logger:           logger,
	})
	t.Cleanup(env.srv.Close)
	return env
}

// do sends a local JSON request and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doHost(t, method, path, body, "localhost:45177")
}

func (e *testEnv) doHost(t *testing.T, method, path string, body any, host string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Host = host
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, code, rec.Body.String())
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	env := setupTestServer(t, 0)
	rec := env.do(t, http.MethodGet, "/api/health", nil)
	wantStatus(t, rec, http.StatusOK)
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["serverId"] != env.state.MyServerID() {
		t.Fatalf("body = %v", body)
	}
}

func TestGuard_RemoteRefusedUnlessHosting(t *testing.T) {
	env := setupTestServer(t, 0)
	rec := env.doHost(t, http.MethodPost, "/api/storageProjects/get", nil, "192.168.1.20:45177")
	wantStatus(t, rec, http.StatusForbidden)

	env.state.SetHosting(true, t.TempDir())
	rec = env.doHost(t, http.MethodPost, "/api/storageProjects/get", nil, "192.168.1.20:45177")
	wantStatus(t, rec, http.StatusOK)
}

func TestGuard_RemoteRateLimited(t *testing.T) {
	env := setupTestServer(t, 2)
	env.state.SetHosting(true, t.TempDir())
	for i := 0; i < 2; i++ {
		wantStatus(t, env.doHost(t, http.MethodGet, "/api/lan/hosts", nil, "10.0.0.5:45177"), http.StatusOK)
	}
	wantStatus(t, env.doHost(t, http.MethodGet, "/api/lan/hosts", nil, "10.0.0.5:45177"), http.StatusTooManyRequests)
	// Local callers are never limited.
	wantStatus(t, env.do(t, http.MethodGet, "/api/lan/hosts", nil), http.StatusOK)
}

func TestRegisterUser(t *testing.T) {
	env := setupTestServer(t, 0)
	rec := env.do(t, http.MethodPost, "/api/clients/user/register", map[string]string{"clientId": "ab12", "username": "ann@example.com"})
	wantStatus(t, rec, http.StatusOK)
	body := decode[struct {
		Users map[string]string `json:"users"`
	}](t, rec)
	if _, ok := body.Users["ann@example.com"]; !ok {
		t.Fatalf("users = %v", body.Users)
	}

	rec = env.do(t, http.MethodPost, "/api/clients/user/register", map[string]string{"clientId": "bad!", "username": "ann@example.com"})
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestDocs_StoreListRetrieve(t *testing.T) {
	env := setupTestServer(t, 0)
	doc := json.RawMessage(`{"_id":"plan/1","modDate":"2024-05-01T12:00:00.000Z","creator":"ann@example.com","modBy":"","text":"hi"}`)

	rec := env.do(t, http.MethodPost, "/api/docs/store", map[string]any{"project": "P1", "doc": doc})
	wantStatus(t, rec, http.StatusOK)
	stored := decode[struct {
		Filename       string `json:"filename"`
		FreshlyWritten bool   `json:"freshlyWritten"`
	}](t, rec)
	if !stored.FreshlyWritten || stored.Filename == "" {
		t.Fatalf("stored = %+v", stored)
	}

	rec = env.do(t, http.MethodPost, "/api/docs/list", map[string]any{"project": "P1"})
	wantStatus(t, rec, http.StatusOK)
	if names := decode[[]string](t, rec); len(names) != 1 || names[0] != stored.Filename {
		t.Fatalf("list = %v", names)
	}

	rec = env.do(t, http.MethodPost, "/api/docs/list", map[string]any{"project": "P1", "isFromRemote": true})
	wantStatus(t, rec, http.StatusOK)
	if names := decode[[]string](t, rec); len(names) != 0 {
		t.Fatalf("remote list = %v", names)
	}

	rec = env.do(t, http.MethodPost, "/api/docs/retrieve", map[string]any{"project": "P1", "filename": stored.Filename})
	wantStatus(t, rec, http.StatusOK)
	got := decode[struct {
		Doc json.RawMessage `json:"doc"`
	}](t, rec)
	if !bytes.Equal(got.Doc, doc) {
		t.Fatalf("doc = %s", got.Doc)
	}

	rec = env.do(t, http.MethodPost, "/api/docs/retrieve", map[string]any{"project": "P2", "filename": stored.Filename})
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "null" {
		t.Fatalf("missing doc body = %s", rec.Body.String())
	}
}

func TestDocs_InvalidDocRejected(t *testing.T) {
	env := setupTestServer(t, 0)
	rec := env.do(t, http.MethodPost, "/api/docs/store", map[string]any{
		"project": "P1",
		"doc":     json.RawMessage(`{"_id":"x","modDate":"not a date","creator":"ann@example.com"}`),
	})
	wantStatus(t, rec, http.StatusBadRequest)
}

func storeBlob(t *testing.T, env *testEnv, blobID, total, uploaded, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range map[string]string{"clientId": "ab12", "blobId": blobID, "vcrTotalBlobs": total, "uploaded": uploaded} {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(blobID))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/blobs/store", &buf)
	req.Host = "localhost:45177"
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	return rec
}

func TestBlobs_StoreRetrieveAndPromote(t *testing.T) {
	env := setupTestServer(t, 0)
	const id = "P1/gen01/vid-1.mp4"

	wantStatus(t, storeBlob(t, env, id, "2", "false", "frames"), http.StatusOK)

	rec := env.do(t, http.MethodPost, "/api/blobs/retrieve", map[string]any{"clientId": "ab12", "blobId": id})
	wantStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "frames" || rec.Header().Get("X-Blob-Uploaded") != "false" {
		t.Fatalf("body = %q, uploaded = %q", rec.Body.String(), rec.Header().Get("X-Blob-Uploaded"))
	}

	rec = env.do(t, http.MethodPost, "/api/blobs/uploaded", map[string]any{"clientId": "ab12", "blobId": id, "vcrTotalBlobs": 2, "uploaded": true})
	wantStatus(t, rec, http.StatusOK)

	rec = env.do(t, http.MethodPost, "/api/blobs/retrieveAllIds", map[string]any{"clientId": "ab12"})
	wantStatus(t, rec, http.StatusOK)
	all := decode[[]struct {
		BlobID   string `json:"blobId"`
		Uploaded bool   `json:"uploaded"`
	}](t, rec)
	if len(all) != 1 || all[0].BlobID != id || !all[0].Uploaded {
		t.Fatalf("all = %+v", all)
	}

	// Queuing again once uploaded is a conflict.
	wantStatus(t, storeBlob(t, env, id, "2", "false", "frames"), http.StatusConflict)
}

func TestBlobs_RetrieveMissingIsNoContent(t *testing.T) {
	env := setupTestServer(t, 0)
	rec := env.do(t, http.MethodPost, "/api/blobs/retrieve", map[string]any{"clientId": "ab12", "blobId": "P1/gen01/none.mp4"})
	wantStatus(t, rec, http.StatusNoContent)
}

func TestVCRs_StoreListRetrieve(t *testing.T) {
	env := setupTestServer(t, 0)
	vcr := json.RawMessage(`{"_id":"P1/gen01/v1","uploadeds":[true,false]}`)
	wantStatus(t, env.do(t, http.MethodPost, "/api/vcrs/store", map[string]any{"clientId": "ab12", "vcr": vcr}), http.StatusOK)

	rec := env.do(t, http.MethodPost, "/api/vcrs/listFiles", map[string]any{"clientId": "ab12", "project": "P1"})
	wantStatus(t, rec, http.StatusOK)
	files := decode[[]string](t, rec)
	if len(files) != 1 || files[0] != "P1__gen01.sltt-vcrs" {
		t.Fatalf("files = %v", files)
	}

	rec = env.do(t, http.MethodPost, "/api/vcrs/retrieve", map[string]any{"clientId": "ab12", "filename": files[0]})
	wantStatus(t, rec, http.StatusOK)
	obj := decode[map[string]json.RawMessage](t, rec)
	if _, ok := obj["P1/gen01/v1"]; !ok {
		t.Fatalf("obj = %v", obj)
	}

	rec = env.do(t, http.MethodPost, "/api/vcrs/store", map[string]any{"clientId": "ab12", "vcr": json.RawMessage(`{"_id":"nope"}`)})
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestProjects_AddRemove(t *testing.T) {
	env := setupTestServer(t, 0)
	add := func(p string) {
		wantStatus(t, env.do(t, http.MethodPost, "/api/storageProjects/add", map[string]string{"project": p, "adminEmail": "ann@example.com"}), http.StatusOK)
	}
	add("P1")
	add("P2")
	rec := env.do(t, http.MethodPost, "/api/storageProjects/remove", map[string]string{"project": "P1", "adminEmail": "ann@example.com"})
	wantStatus(t, rec, http.StatusOK)
	if got := decode[[]string](t, rec); len(got) != 1 || got[0] != "P2" {
		t.Fatalf("projects = %v", got)
	}
	if env.changed.Load() != 3 {
		t.Fatalf("settings notifications = %d", env.changed.Load())
	}
}

func TestConnect_PersistsStoragePath(t *testing.T) {
	env := setupTestServer(t, 0)
	dir := t.TempDir()

	rec := env.do(t, http.MethodPost, "/api/connections/connect", map[string]string{"url": "file://" + filepath.ToSlash(dir)})
	wantStatus(t, rec, http.StatusOK)
	if got := env.state.Settings().MyLanStoragePath; got != dir {
		t.Fatalf("storage path = %q, want %q", got, dir)
	}
	saved, err := env.db.LoadSettings()
	if err != nil {
		t.Fatal(err)
	}
	if saved.MyLanStoragePath != dir {
		t.Fatalf("saved = %+v", saved)
	}

	rec = env.do(t, http.MethodPost, "/api/connections/connect", map[string]string{"url": filepath.Join(dir, "missing")})
	wantStatus(t, rec, http.StatusBadRequest)
	if body := decode[map[string]any](t, rec); body["code"] != string(admission.CodeNotFound) {
		t.Fatalf("body = %v", body)
	}

	rec = env.do(t, http.MethodGet, "/api/connections", nil)
	wantStatus(t, rec, http.StatusOK)
	if conns := decode[[]storage.Connection](t, rec); len(conns) != 2 || conns[0].OK || !conns[1].OK {
		t.Fatalf("connections = %+v", conns)
	}
}

func TestCanWriteToFolder(t *testing.T) {
	env := setupTestServer(t, 0)
	rec := env.do(t, http.MethodPost, "/api/connections/canWriteToFolder", map[string]string{"path": filepath.Join(t.TempDir(), "new")})
	wantStatus(t, rec, http.StatusOK)

	rec = env.do(t, http.MethodPost, "/api/connections/canWriteToFolder", map[string]string{"path": "relative/dir"})
	wantStatus(t, rec, http.StatusBadRequest)
	if body := decode[map[string]any](t, rec); body["code"] != string(admission.CodeNotAbsolute) {
		t.Fatalf("body = %v", body)
	}
}

func TestSettings_HostingAndProxy(t *testing.T) {
	env := setupTestServer(t, 0)
	wantStatus(t, env.do(t, http.MethodPost, "/api/settings/hosting", map[string]bool{"allowHosting": true}), http.StatusOK)
	if env.state.AmHosting() {
		t.Fatal("hosting without a storage path")
	}
	wantStatus(t, env.do(t, http.MethodPost, "/api/settings/proxy", map[string]string{"proxyUrl": "http://10.0.0.9:45177", "proxyServerId": "h1"}), http.StatusOK)

	saved, err := env.db.LoadSettings()
	if err != nil {
		t.Fatal(err)
	}
	want := state.Settings{AllowHosting: true, ProxyURL: "http://10.0.0.9:45177", ProxyServerID: "h1"}
	if saved != want {
		t.Fatalf("saved = %+v, want %+v", saved, want)
	}
	if env.changed.Load() != 2 {
		t.Fatalf("settings notifications = %d", env.changed.Load())
	}

	dir := t.TempDir()
	rec := env.do(t, http.MethodPost, "/api/settings/hosting", map[string]any{"allowHosting": true, "myLanStoragePath": dir})
	wantStatus(t, rec, http.StatusOK)
	if !env.state.AmHosting() || env.state.Settings().MyLanStoragePath != dir {
		t.Fatalf("settings = %+v", env.state.Settings())
	}

	rec = env.do(t, http.MethodPost, "/api/settings/hosting", map[string]any{"allowHosting": true, "myLanStoragePath": "relative"})
	wantStatus(t, rec, http.StatusBadRequest)
	if env.state.Settings().MyLanStoragePath != dir {
		t.Fatal("rejected path replaced the storage root")
	}
}

func TestProxy_ForwardsStorageRequests(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["FROM-HOST"]`))
	}))
	defer backend.Close()

	env := setupTestServer(t, 0)
	env.state.SetProxy(backend.URL, "h1")

	rec := env.do(t, http.MethodPost, "/api/storageProjects/get", nil)
	wantStatus(t, rec, http.StatusOK)
	if gotPath != "/api/storageProjects/get" {
		t.Fatalf("forwarded path = %q", gotPath)
	}
	if got := decode[[]string](t, rec); len(got) != 1 || got[0] != "FROM-HOST" {
		t.Fatalf("body = %v", got)
	}

	// LAN endpoints are always served locally.
	wantStatus(t, env.do(t, http.MethodGet, "/api/lan/hosts", nil), http.StatusOK)
}

func TestProxy_UnreachableHost(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	env := setupTestServer(t, 0)
	env.state.SetProxy(url, "h1")
	wantStatus(t, env.do(t, http.MethodPost, "/api/storageProjects/get", nil), http.StatusBadGateway)
}

func TestHosts_Snapshot(t *testing.T) {
	env := setupTestServer(t, 0)
	env.state.UpsertHost(state.HostInfo{ServerID: "h1", IP: "10.0.0.2", Port: 45177, ComputerName: "a"})
	rec := env.do(t, http.MethodGet, "/api/lan/hosts", nil)
	wantStatus(t, rec, http.StatusOK)
	snap := decode[hostsSnapshot](t, rec)
	if snap.MyServerID != env.state.MyServerID() || len(snap.Hosts) != 1 || snap.Hosts[0].ServerID != "h1" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStores_FollowConnectedRoot(t *testing.T) {
	env := setupTestServer(t, 0)
	before := env.srv.active().root
	dir := t.TempDir()
	env.state.SetHosting(false, dir)
	if got := env.srv.active().root; got == before || got != filepath.Clean(dir) {
		t.Fatalf("active root = %q", got)
	}
	projects, err := env.srv.HostProjects(context.Background())
	if err != nil || len(projects) != 0 {
		t.Fatalf("HostProjects = %v, %v", projects, err)
	}
}

func TestEvents_StreamsSnapshotOnChange(t *testing.T) {
	env := setupTestServer(t, 0)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/lan/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Host": {"localhost:45177"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev struct {
		Type    string        `json:"type"`
		Payload hostsSnapshot `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	if ev.Type != "hosts" || len(ev.Payload.Hosts) != 0 {
		t.Fatalf("initial event = %+v", ev)
	}

	env.state.UpsertHost(state.HostInfo{ServerID: "h1", IP: "10.0.0.2", Port: 45177})
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(ev.Payload.Hosts) != 1 || ev.Payload.Hosts[0].ServerID != "h1" {
		t.Fatalf("update event = %+v", ev)
	}
}
