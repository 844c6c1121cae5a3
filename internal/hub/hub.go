package hub

import (
	"sort"
	"sync"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	Username string
	Writer Writer
}

// Hub tracks which connections subscribed to which named channel.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Connection]struct{}
	joined   map[*Connection]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		channels: make(map[string]map[*Connection]struct{}),
		joined:   make(map[*Connection]map[string]struct{}),
	}
}

// Join reports false when conn was already subscribed to channel.
func (h *Hub) Join(channel string, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.channels[channel]
	if set == nil {
		set = make(map[*Connection]struct{})
		h.channels[channel] = set
	}
	if _, ok := set[conn]; ok {
		return false
	}
	set[conn] = struct{}{}

	names := h.joined[conn]
	if names == nil {
		names = make(map[string]struct{})
		h.joined[conn] = names
	}
	names[channel] = struct{}{}
	return true
}

func (h *Hub) Leave(channel string, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(channel, conn)
}

func (h *Hub) leaveLocked(channel string, conn *Connection) bool {
	set := h.channels[channel]
	if set == nil {
		return false
	}
	if _, ok := set[conn]; !ok {
		return false
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
	if names := h.joined[conn]; names != nil {
		delete(names, channel)
		if len(names) == 0 {
			delete(h.joined, conn)
		}
	}
	return true
}

// LeaveAll drops every subscription of conn and returns the channels it left.
func (h *Hub) LeaveAll(conn *Connection) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.joined[conn]))
	for name := range h.joined[conn] {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.leaveLocked(name, conn)
	}
	return names
}

func (h *Hub) Subscribers(channel string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.channels[channel]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) Channels(conn *Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.joined[conn]))
	for name := range h.joined[conn] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Broadcast writes message to every subscriber of channel. Connections whose
// write fails are closed and dropped from all channels.
func (h *Hub) Broadcast(channel string, message []byte) {
	conns := h.Subscribers(channel)

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.LeaveAll(c)
	}
}
