package socketio

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"slide-lite/internal/auth"
	"slide-lite/internal/hub"
	"slide-lite/internal/middleware"
	"slide-lite/internal/remote"
	"slide-lite/internal/store"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	// RPCLimiter is keyed by username. Nil disables limiting.
	RPCLimiter *middleware.RateLimiter
	Now        func() time.Time
}

type Server struct {
	store       *store.Store
	tokenConfig auth.TokenConfig
	rpcLimiter  *middleware.RateLimiter
	now         func() time.Time
	rpcs        map[string]rpcHandler

	upgrader websocket.Upgrader
	hub      *hub.Hub

	mu            sync.RWMutex
	connsBySocket map[*websocket.Conn]*conn
}

func NewServer(deps Deps) *Server {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		store:       deps.Store,
		tokenConfig: deps.TokenConfig,
		rpcLimiter:  deps.RPCLimiter,
		now:         now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub:           hub.New(),
		connsBySocket: make(map[*websocket.Conn]*conn),
	}
	s.rpcs = newRPCTable(s.store)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	s.registerConn(c)
	defer s.unregisterConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": 25000,
		"pingTimeout":  20000,
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) registerConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connsBySocket[c.ws] = c
}

func (s *Server) unregisterConn(c *conn) {
	s.mu.Lock()
	delete(s.connsBySocket, c.ws)
	s.mu.Unlock()

	s.hub.LeaveAll(c.member)
	c.close()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
		return
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
		return
	case engineClose:
		c.close()
		return
	default:
		return
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
		return
	case socketEvent:
		s.handleEvent(c, payload)
		return
	default:
		return
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := parseOptionalNamespace(payload[1:])
	if rest == "" {
		c.rejectConnect("Missing auth")
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		c.rejectConnect("Invalid auth")
		return
	}
	if authObj.Username == "" || authObj.Credential == "" {
		c.rejectConnect("Missing credentials")
		return
	}

	acc, err := s.store.Authenticate(authObj.Username, authObj.Credential, s.now().UnixMilli())
	if err != nil {
		c.rejectConnect(err.Error())
		return
	}
	token, err := auth.CreateToken(acc.Username, s.tokenConfig)
	if err != nil {
		c.rejectConnect("Token issuance failed")
		return
	}

	c.username = acc.Username
	c.member.Username = acc.Username
	c.connected.Store(true)

	_ = c.writeText(string(engineMessage) + string(socketConnect))
	_ = c.emit(eventEvent, gin.H{
		"name": remote.LoginEvent(acc.Username),
		"data": gin.H{"token": token},
	})
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		return
	}

	switch pkt.Event {
	case "ping":
		if pkt.ID != nil {
			c.ack(pkt.Namespace, *pkt.ID)
		}
		return

	case eventSubscribe:
		if pkt.ID == nil {
			return
		}
		var body nameBody
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Name == "" {
			c.ack(pkt.Namespace, *pkt.ID, gin.H{"ok": false, "error": "Invalid name"})
			return
		}
		c.ack(pkt.Namespace, *pkt.ID, s.subscribe(c, body.Name))
		return

	case eventUnsubscribe:
		var body nameBody
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Name == "" {
			return
		}
		s.hub.Leave(body.Name, c.member)
		if pkt.ID != nil {
			c.ack(pkt.Namespace, *pkt.ID, gin.H{"ok": true})
		}
		return

	case eventRPCCall:
		if pkt.ID == nil {
			return
		}
		var body rpcCallBody
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Method == "" {
			c.ack(pkt.Namespace, *pkt.ID, gin.H{"ok": false, "error": "Invalid call"})
			return
		}
		result, change, err := s.handleRPCCall(c, body.Method, body.Params)
		resp := gin.H{"ok": err == nil}
		if err != nil {
			resp["error"] = err.Error()
		} else {
			resp["result"] = result
		}
		c.ack(pkt.Namespace, *pkt.ID, resp)
		if err == nil {
			s.publish(change)
		}
		return

	default:
		return
	}
}

// subscribe joins the channel before taking the snapshot so no update is
// lost in between. Clients drop updates older than the snapshot version.
func (s *Server) subscribe(c *conn, name string) gin.H {
	if !s.store.CanRead(c.username, name) {
		return gin.H{"ok": false, "code": remote.CodeMessageDenied, "error": "Read permission denied"}
	}
	s.hub.Join(name, c.member)
	data, version, ok := s.store.Snapshot(name)
	if !ok {
		s.hub.Leave(name, c.member)
		return gin.H{"ok": false, "error": "Record not found"}
	}
	return gin.H{"ok": true, "version": version, "data": data}
}

func (s *Server) handleRPCCall(c *conn, method string, params json.RawMessage) (any, store.Change, error) {
	h := s.rpcs[method]
	if h == nil {
		return nil, store.Change{}, ErrMethodNotFound
	}
	if s.rpcLimiter != nil && !s.rpcLimiter.Allow(c.username) {
		return nil, store.Change{}, ErrRateLimited
	}
	return h(c.username, params, s.now().UnixMilli())
}

// publish revokes subscriptions that lost read permission, then pushes the
// new value of every changed name to its remaining subscribers.
func (s *Server) publish(change store.Change) {
	if change.Stream != "" {
		for _, name := range store.StreamNames(change.Stream) {
			for _, m := range s.hub.Subscribers(name) {
				if s.store.CanRead(m.Username, name) {
					continue
				}
				if !s.hub.Leave(name, m) {
					continue
				}
				if c, ok := m.Writer.(*conn); ok {
					_ = c.emit(eventError, gin.H{
						"code":    remote.CodeMessageDenied,
						"topic":   remote.TopicRecord,
						"name":    name,
						"message": "Read permission revoked",
					})
				}
			}
		}
	}

	for _, name := range change.Names {
		data, version, ok := s.store.Snapshot(name)
		if !ok {
			continue
		}
		packet, err := buildSocketEventPacket("/", nil, eventUpdate, gin.H{
			"name":    name,
			"version": version,
			"data":    data,
		})
		if err != nil {
			continue
		}
		s.hub.Broadcast(name, []byte(string(engineMessage)+packet))
	}
}

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool

	username string
	member   *hub.Connection

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		nextPingAt: time.Now().Add(25 * time.Second),
	}
	c.member = &hub.Connection{Writer: c}
	return c
}

// Write and Close let the hub fan out already framed packets.
func (c *conn) Write(message []byte) error {
	return c.writeText(string(message))
}

func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > 20*time.Second {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(25 * time.Second)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) emit(event string, arg any) error {
	packet, err := buildSocketEventPacket("/", nil, event, arg)
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

func (c *conn) ack(namespace string, id int, args ...any) {
	packet, err := buildSocketAckPacket(namespace, id, args...)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
}

func (c *conn) rejectConnect(msg string) {
	packet, err := buildSocketConnectErrorPacket(msg)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
	c.close()
}
