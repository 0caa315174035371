package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/IIawaII/nodecrypt/internal/blobstore"
	"github.com/IIawaII/nodecrypt/internal/client"
	"github.com/IIawaII/nodecrypt/internal/config"
	"github.com/IIawaII/nodecrypt/internal/keystore"
)

func testConfig() config.Config {
	return config.Config{
		ShutdownGracePeriod: 2 * time.Second,
		Relay: config.RelayConfig{
			DefaultRoom: "chat-room",
		},
	}
}

func newTestServer(t *testing.T, cfg config.Config, maxUpload int64) (*NodeServer, *httptest.Server) {
	t.Helper()
	blobs, err := blobstore.Open(filepath.Join(t.TempDir(), "blobs.db"), blobstore.Options{MaxObjectBytes: maxUpload})
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	t.Cleanup(func() { _ = blobs.Close() })

	log := zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel))
	srv := NewNodeServer(cfg, log, keystore.NewMemoryBackend(), blobs, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Hub().Shutdown)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, url string, header http.Header) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, client.DialOptions{Header: header})
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c *client.Client) client.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return m
}

func TestRelayOverWebSocket(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), 0)
	alice := dial(t, wsURL(ts, "/ws"), nil)
	bob := dial(t, wsURL(ts, "/ws/chat-room"), nil)

	if alice.Fingerprint() != bob.Fingerprint() {
		t.Fatal("/ws should map to the default room")
	}

	if err := alice.Join("room-x"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if m := next(t, alice); m.Action != "l" || len(m.Members) != 0 {
		t.Fatalf("unexpected first list %+v", m)
	}
	if err := bob.Join("room-x"); err != nil {
		t.Fatalf("join: %v", err)
	}
	aliceView := next(t, alice)
	bobView := next(t, bob)
	if len(aliceView.Members) != 1 || len(bobView.Members) != 1 {
		t.Fatalf("unexpected lists %v / %v", aliceView.Members, bobView.Members)
	}

	if err := alice.Send(aliceView.Members[0], "ciphertext-for-bob"); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := next(t, bob)
	if got.Action != "c" || got.Body != "ciphertext-for-bob" || got.From != bobView.Members[0] {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func TestRoomsHaveDistinctIdentities(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), 0)
	a := dial(t, wsURL(ts, "/ws/alpha"), nil)
	b := dial(t, wsURL(ts, "/ws/beta"), nil)
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("rooms must not share an identity")
	}
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), 0)

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusUpgradeRequired || !strings.Contains(string(body), "Expected WebSocket Upgrade") {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}

	resp, err = http.Get(ts.URL + "/ws/" + strings.Repeat("r", maxRoomIDLen+1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid room, got %d", resp.StatusCode)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.AllowedOrigins = []string{"https://chat.example"}
	_, ts := newTestServer(t, cfg, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, wsURL(ts, "/ws"), client.DialOptions{
		Header: http.Header{"Origin": []string{"https://evil.example"}},
	})
	if err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}

	dial(t, wsURL(ts, "/ws"), http.Header{"Origin": []string{"https://chat.example"}})
}

func TestUploadAndFetch(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), 0)
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/upload", bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var up uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !up.OK || up.FileID == "" {
		t.Fatalf("unexpected upload response %d %+v", resp.StatusCode, up)
	}

	resp, err = http.Get(ts.URL + "/api/image/" + up.FileID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, payload) {
		t.Fatalf("unexpected fetch %d %x", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Cache-Control"); got != "public, max-age=31536000" {
		t.Fatalf("cache-control = %q", got)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("missing etag")
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/image/"+up.FileID, nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional fetch: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}
}

func TestFetchMissingImage(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), 0)
	for _, id := range []string{"00000000-0000-0000-0000-000000000000", "not-a-uuid"} {
		resp, err := http.Get(ts.URL + "/api/image/" + id)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", id, resp.StatusCode)
		}
	}
}

func TestUploadTooLarge(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), 16)

	for _, chunked := range []bool{false, true} {
		var body io.Reader = bytes.NewReader(make([]byte, 17))
		if chunked {
			body = io.MultiReader(bytes.NewReader(make([]byte, 17)))
		}
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/upload", body)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("chunked=%v: expected 413, got %d", chunked, resp.StatusCode)
		}
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, ts := newTestServer(t, testConfig(), 0)
	admin := httptest.NewServer(srv.adminHandler())
	t.Cleanup(admin.Close)

	expect := func(path string, status int, contains string) {
		t.Helper()
		resp, err := http.Get(admin.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != status || !strings.Contains(string(body), contains) {
			t.Fatalf("%s: got %d %q", path, resp.StatusCode, body)
		}
	}

	expect("/healthz", http.StatusOK, "ok")
	expect("/readyz", http.StatusServiceUnavailable, "not_ready")
	srv.ready.Store(true)
	expect("/readyz", http.StatusOK, "ready")

	dial(t, wsURL(ts, "/ws"), nil)
	resp, err := http.Get(ts.URL + "/api/anything")
	if err != nil {
		t.Fatalf("api fallback: %v", err)
	}
	resp.Body.Close()
	expect("/metrics", http.StatusOK, "nodecrypt_connections_total 1")
	expect("/metrics", http.StatusOK, "nodecrypt_http_requests_total")
	expect("/metrics", http.StatusOK, "go_goroutines")
}

func TestServeAndShutdown(t *testing.T) {
	cfg := testConfig()
	blobs, err := blobstore.Open(filepath.Join(t.TempDir(), "blobs.db"), blobstore.Options{})
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	t.Cleanup(func() { _ = blobs.Close() })
	srv := NewNodeServer(cfg, zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel)), keystore.NewMemoryBackend(), blobs, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, lis) }()

	c := dial(t, "ws://"+lis.Addr().String()+"/ws", nil)
	if !srv.ready.Load() {
		t.Fatal("server should report ready while serving")
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("websocket not closed on shutdown")
	}
	if srv.ready.Load() {
		t.Fatal("server should not be ready after shutdown")
	}
}
