package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IIawaII/nodecrypt/internal/keystore"
	"github.com/IIawaII/nodecrypt/internal/registry"
)

// HubOptions configures the room directory.
type HubOptions struct {
	Room                 Options
	MaxRooms             int
	RoomIdleTTL          time.Duration
	HousekeepingInterval time.Duration
}

// Hub creates room actors on demand and reaps rooms without attached sockets.
type Hub struct {
	log       *zap.Logger
	backend   keystore.KeyBackend
	opts      HubOptions
	rooms     *registry.InMemory[*Room]
	houseOnce sync.Once
	now       func() time.Time
}

// NewHub wires a hub over the identity keystore.
func NewHub(log *zap.Logger, backend keystore.KeyBackend, opts HubOptions) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RoomIdleTTL <= 0 {
		opts.RoomIdleTTL = 10 * time.Minute
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = time.Minute
	}
	opts.Room = opts.Room.withDefaults()
	return &Hub{
		log:     log,
		backend: backend,
		opts:    opts,
		rooms:   registry.NewInMemory[*Room](opts.MaxRooms),
		now:     opts.Room.Now,
	}
}

// Room returns the actor for roomID, starting it if needed.
func (h *Hub) Room(roomID string) (*Room, error) {
	room, created, err := h.rooms.GetOrRegister(roomID, func() (*Room, error) {
		return NewRoom(roomID, h.backend, h.log, h.opts.Room), nil
	})
	if err != nil {
		return nil, fmt.Errorf("open room %q: %w", roomID, err)
	}
	if created {
		h.opts.Room.Metrics.incRoom()
		h.log.Info("room started", zap.String("room_id", roomID))
	}
	return room, nil
}

// Serve attaches sock to roomID for the lifetime of the connection.
func (h *Hub) Serve(ctx context.Context, roomID string, sock Socket) error {
	for attempt := 0; attempt < 2; attempt++ {
		room, err := h.Room(roomID)
		if err != nil {
			_ = sock.Close()
			return err
		}
		err = room.Serve(ctx, sock)
		if !errors.Is(err, ErrRoomClosed) {
			return err
		}
		// Reaped between lookup and accept; the next lookup starts a fresh actor.
		if h.rooms.DeleteIf(roomID, func(r *Room) bool { return r == room }) {
			h.opts.Room.Metrics.decRoom()
		}
	}
	_ = sock.Close()
	return ErrRoomClosed
}

// Rooms lists live room identifiers.
func (h *Hub) Rooms() []string {
	return h.rooms.Keys()
}

// StartHousekeeping launches periodic reaping of idle rooms.
func (h *Hub) StartHousekeeping(ctx context.Context) {
	h.houseOnce.Do(func() {
		ticker := time.NewTicker(h.opts.HousekeepingInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					h.reapIdle(h.now())
				}
			}
		}()
	})
}

func (h *Hub) reapIdle(now time.Time) int {
	reaped := 0
	for _, id := range h.rooms.Keys() {
		var victim *Room
		ok := h.rooms.DeleteIf(id, func(r *Room) bool {
			if r.idleFor(now) > h.opts.RoomIdleTTL {
				victim = r
				return true
			}
			return false
		})
		if !ok {
			continue
		}
		victim.Close()
		h.opts.Room.Metrics.decRoom()
		h.log.Info("reaped idle room", zap.String("room_id", id))
		reaped++
	}
	return reaped
}

// Shutdown closes every room.
func (h *Hub) Shutdown() {
	for _, id := range h.rooms.Keys() {
		room, ok := h.rooms.Get(id)
		if !ok || !h.rooms.Delete(id) {
			continue
		}
		room.Close()
		h.opts.Room.Metrics.decRoom()
	}
}
