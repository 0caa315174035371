package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/IIawaII/nodecrypt/internal/blobstore"
	"github.com/IIawaII/nodecrypt/internal/relay"
	"github.com/IIawaII/nodecrypt/internal/wsconn"
)

const (
	maxRoomIDLen     = 128
	wsWriteTimeout   = 10 * time.Second
	immutableCaching = "public, max-age=31536000"
)

// makeUpgrader admits every origin when the allow list is empty or "*". Requests without an
// Origin header come from non-browser clients and are admitted.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

func validRoomID(id string) bool {
	if id == "" || len(id) > maxRoomIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return !strings.Contains(id, "..")
}

func (s *NodeServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if roomID == "" {
		roomID = s.cfg.Relay.DefaultRoom
	}
	if !validRoomID(roomID) {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected WebSocket Upgrade", http.StatusUpgradeRequired)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.metrics.recordUpgrade("rejected")
		s.log.Debug("websocket upgrade failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	s.metrics.recordUpgrade("ok")

	conn := wsconn.New(ws, wsconn.Options{
		// Oversized envelopes are dropped by the room rather than failing the socket.
		ReadLimit:    2 * int64(s.cfg.Relay.MaxFrameBytes),
		WriteTimeout: wsWriteTimeout,
	})
	if err := s.hub.Serve(r.Context(), roomID, conn); err != nil {
		level := zap.WarnLevel
		if errors.Is(err, relay.ErrIDCollision) {
			level = zap.DebugLevel
		}
		s.log.Check(level, "relay session rejected").Write(zap.String("room_id", roomID), zap.Error(err))
	}
}

type uploadResponse struct {
	OK     bool   `json:"ok"`
	FileID string `json:"fileId,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *NodeServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.blobs.MaxObjectBytes()
	if r.ContentLength > limit {
		writeJSON(w, http.StatusRequestEntityTooLarge, uploadResponse{Error: blobstore.ErrTooLarge.Error()})
		return
	}
	body := http.MaxBytesReader(w, r.Body, limit+1)
	defer body.Close()

	id, err := s.blobs.Put(r.Context(), body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.Is(err, blobstore.ErrTooLarge) || errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, uploadResponse{Error: blobstore.ErrTooLarge.Error()})
			return
		}
		s.log.Warn("blob upload failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Error: "upload failed"})
		return
	}
	s.log.Debug("blob stored", zap.String("file_id", id))
	writeJSON(w, http.StatusOK, uploadResponse{OK: true, FileID: id})
}

func (s *NodeServer) handleImage(w http.ResponseWriter, r *http.Request) {
	obj, err := s.blobs.Get(r.Context(), chi.URLParam(r, "fileID"))
	if errors.Is(err, blobstore.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Warn("blob read failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	etag := `"` + obj.ETag + `"`
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", immutableCaching)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(obj.Data)
	}
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func handleAPIFallback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, uploadResponse{OK: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
