// Package signaling implements SignalingHub: WebSocket accept, the auth
// handshake, room registry, signaling/chat relay, heartbeat, and voice
// presence fan-out (spec §4.5).
//
// Grounded on rustyguts-bken's internal/ws/handler.go (hello-then-loop
// connection lifecycle, a per-session Send channel drained by a writer
// goroutine) and internal/core/channel_state.go (mutex-guarded actor with
// snapshot-then-release reads for broadcast), generalized from that
// package's fixed hello/channel-join shape to the spec's auth/room/offer-
// answer-ice signaling protocol.
package signaling

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vibespeak/vibespeak/internal/floor"
	"github.com/vibespeak/vibespeak/internal/token"
	"github.com/vibespeak/vibespeak/internal/wsproto"
)

const (
	authTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	pongTimeout      = 5 * time.Second
	sendQueueDepth   = 64

	closeAuthTimeout = 4001
	closeAuthMissing = 4002
	closeAuthBad     = 4003
)

// session is one WebSocket connection, holding the user identity once
// authenticated.
type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	authenticated bool
	userID        string
	username      string
	displayName   string
	room          string

	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
		_ = s.conn.Close()
	})
}

// Hub owns every live session and room membership. Writes to the room
// registry go through methods that take hub.mu, matching channel_state.go's
// single-actor discipline; fan-out reads snapshot the target list under the
// lock and release it before sending, per room.go's Broadcast pattern.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]*session // roomID -> sessionID -> session

	token *token.Service
	floor *floor.Controller
	logger *slog.Logger

	allowedOrigins []string

	stats HubStats
}

// HubStats is the SignalingHub observability snapshot.
type HubStats struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
}

// New constructs a Hub wired to a TokenService for auth and a
// FloorController for screen-share admission.
func New(tokenSvc *token.Service, floorCtl *floor.Controller, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:       make(map[string]*session),
		rooms:          make(map[string]map[string]*session),
		token:          tokenSvc,
		floor:          floorCtl,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func newSessionID() string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	rnd := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "user_" + ts + "_" + rnd
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// lifecycle until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("ws upgrade failed", "err", err)
		return
	}
	h.handleConn(conn)
}

func (h *Hub) handleConn(conn *websocket.Conn) {
	s := &session{
		id:   newSessionID(),
		conn: conn,
		send: make(chan []byte, sendQueueDepth),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	go h.writeLoop(s)

	authTimer := time.AfterFunc(authTimeout, func() {
		s.mu.Lock()
		authed := s.authenticated
		s.mu.Unlock()
		if !authed {
			h.sendEnvelope(s, wsproto.Envelope{Type: wsproto.TypeAuthRequired})
			h.closeSession(s, closeAuthTimeout, "auth timeout")
		}
	})
	defer authTimer.Stop()

	conn.SetReadDeadline(time.Now().Add(heartbeatInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(heartbeatInterval + pongTimeout))
		return nil
	})

	stopHeartbeat := make(chan struct{})
	go h.heartbeatLoop(s, stopHeartbeat)
	defer close(stopHeartbeat)

	defer h.disconnect(s)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wsproto.Parse(data)
		if err != nil {
			h.logger.Debug("bad ws frame", "session", s.id, "err", err)
			continue
		}

		s.mu.Lock()
		authed := s.authenticated
		s.mu.Unlock()

		if !authed {
			if env.Type != wsproto.TypeAuth {
				continue // only "auth" accepted pre-auth; dropped silently
			}
			if h.authenticate(s, env) {
				authTimer.Stop()
			} else {
				h.closeSession(s, closeAuthBad, "bad token")
				return
			}
			continue
		}

		h.dispatch(s, env)
	}
}

func (h *Hub) heartbeatLoop(s *session, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
				h.closeSession(s, closeAuthTimeout, "heartbeat failed")
				return
			}
		}
	}
}

func (h *Hub) writeLoop(s *session) {
	for data := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *Hub) sendEnvelope(s *session, env wsproto.Envelope) {
	if s.closed.Load() {
		return
	}
	data, err := wsproto.Marshal(env)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
		h.logger.Debug("session send queue full", "session", s.id)
	}
}

func (h *Hub) closeSession(s *session, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.close()
}

func (h *Hub) authenticate(s *session, env wsproto.Envelope) bool {
	if env.Token == "" {
		h.sendEnvelope(s, wsproto.Envelope{Type: wsproto.TypeAuthFailed, Error: "missing token"})
		h.closeSession(s, closeAuthMissing, "missing token")
		return false
	}
	payload, err := h.token.Verify(env.Token)
	if err != nil {
		h.sendEnvelope(s, wsproto.Envelope{Type: wsproto.TypeAuthFailed, Error: "invalid token"})
		return false
	}

	s.mu.Lock()
	s.authenticated = true
	s.userID = payload.ID
	s.username = payload.Username
	s.displayName = payload.DisplayName
	s.mu.Unlock()

	h.sendEnvelope(s, wsproto.Envelope{
		Type: wsproto.TypeAuthSuccess,
		User: &wsproto.User{ID: payload.ID, Username: payload.Username, DisplayName: payload.DisplayName},
	})
	return true
}

func (h *Hub) dispatch(s *session, env wsproto.Envelope) {
	switch env.Type {
	case wsproto.TypeJoin:
		h.handleJoin(s, env)
	case wsproto.TypeLeave:
		h.handleLeave(s)
	case wsproto.TypeOffer, wsproto.TypeAnswer:
		if isNullOrEmpty(env.Data) {
			h.logger.Debug("dropping offer/answer with no data", "session", s.id, "type", env.Type)
			return
		}
		h.relayToTarget(s, env)
	case wsproto.TypeICECandidate:
		if env.To == "" {
			return
		}
		h.unicast(env.To, withFrom(env, s))
	case wsproto.TypeScreenShareStart:
		h.handleScreenShareStart(s, env)
	case wsproto.TypeScreenShareStop:
		h.handleScreenShareStop(s, env)
	case wsproto.TypeTypingStart, wsproto.TypeTypingStop:
		h.broadcastRoom(s.currentRoom(), withFrom(env, s), s.id)
	case wsproto.TypePing:
		h.sendEnvelope(s, wsproto.Envelope{Type: wsproto.TypePong})
	default:
		h.logger.Debug("dropping unknown message type", "type", env.Type)
	}
}

func (s *session) currentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func withFrom(env wsproto.Envelope, s *session) wsproto.Envelope {
	env.From = s.id
	return env
}

// isNullOrEmpty reports whether a raw JSON value is absent or the literal
// `null`, per spec §4.5's "offer/answer require a non-null data" rule.
func isNullOrEmpty(data []byte) bool {
	return len(data) == 0 || string(data) == "null"
}

// handleScreenShareStart asks the FloorController to admit the share before
// broadcasting, per spec §2's "FloorController gates screen-share start
// requests; on grant it tells SignalingHub the assigned quality tier."
func (h *Hub) handleScreenShareStart(s *session, env wsproto.Envelope) {
	room := s.currentRoom()
	if room == "" {
		return
	}
	desired := floor.Quality(env.Quality)
	if !floor.ValidQuality(desired) {
		desired = floor.Q720p30
	}
	username := s.usernameSnapshot()
	decision := h.floor.Request(room, s.id, username, desired, time.Now())
	if !decision.Granted {
		h.sendEnvelope(s, wsproto.Envelope{Type: wsproto.TypeFloorDenied, Error: decision.Reason})
		return
	}
	out := withFrom(env, s)
	out.Username = username
	out.Quality = string(decision.Quality)
	h.sendEnvelope(s, wsproto.Envelope{Type: wsproto.TypeFloorGranted, Quality: string(decision.Quality)})
	h.broadcastRoom(room, out, s.id)
}

func (h *Hub) handleScreenShareStop(s *session, env wsproto.Envelope) {
	room := s.currentRoom()
	if room == "" {
		return
	}
	h.floor.Stop(room, s.id)
	out := withFrom(env, s)
	out.Username = s.usernameSnapshot()
	h.broadcastRoom(room, out, s.id)
}

func (s *session) usernameSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (h *Hub) handleJoin(s *session, env wsproto.Envelope) {
	if !wsproto.ValidRoomID(env.RoomID) {
		return
	}
	if env.Username != "" && !wsproto.ValidUsername(env.Username) {
		return
	}

	h.leaveCurrentRoom(s)

	h.mu.Lock()
	set, ok := h.rooms[env.RoomID]
	if !ok {
		set = make(map[string]*session)
		h.rooms[env.RoomID] = set
	}
	set[s.id] = s
	h.mu.Unlock()

	s.mu.Lock()
	s.room = env.RoomID
	if env.Username != "" {
		s.username = env.Username
	}
	s.mu.Unlock()

	h.sendRoomSnapshot(s, env.RoomID)
	h.fanOutVoicePresenceIfVoiceRoom(env.RoomID)
}

// sendRoomSnapshot replies to the joining socket with the room's current
// occupants before any fan-out runs, mirroring the teacher's
// SendControl(ControlMsg{Type: "user_list", ...}) reply-to-joiner pattern.
func (h *Hub) sendRoomSnapshot(s *session, roomID string) {
	h.mu.RLock()
	set := h.rooms[roomID]
	users := make([]wsproto.PresenceUser, 0, len(set))
	for _, sess := range set {
		sess.mu.Lock()
		users = append(users, wsproto.PresenceUser{ClientID: sess.id, Username: sess.username})
		sess.mu.Unlock()
	}
	h.mu.RUnlock()

	h.sendEnvelope(s, wsproto.Envelope{Type: wsproto.TypeRoomUsers, RoomID: roomID, Users: users})
}

func (h *Hub) handleLeave(s *session) {
	room := h.leaveCurrentRoom(s)
	if room != "" {
		h.broadcastRoom(room, wsproto.Envelope{Type: wsproto.TypeUserLeft, From: s.id}, s.id)
		h.fanOutVoicePresenceIfVoiceRoom(room)
	}
}

// leaveCurrentRoom removes s from its room, returning the room it left (or
// "" if it wasn't in one).
func (h *Hub) leaveCurrentRoom(s *session) string {
	s.mu.Lock()
	room := s.room
	s.room = ""
	s.mu.Unlock()

	if room == "" {
		return ""
	}
	h.mu.Lock()
	if set, ok := h.rooms[room]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	return room
}

func (h *Hub) disconnect(s *session) {
	room := h.leaveCurrentRoom(s)

	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	if room != "" {
		h.broadcastRoom(room, wsproto.Envelope{Type: wsproto.TypeUserLeft, From: s.id}, s.id)
		h.fanOutVoicePresenceIfVoiceRoom(room)
	}
	s.close()
}

// relayToTarget implements the offer/answer routing rule: unicast to `to`
// if present and co-resident, else broadcast to the rest of the room.
func (h *Hub) relayToTarget(s *session, env wsproto.Envelope) {
	out := withFrom(env, s)
	if env.To != "" {
		h.mu.RLock()
		target, ok := h.sessions[env.To]
		h.mu.RUnlock()
		if ok && target.currentRoom() == s.currentRoom() {
			h.sendEnvelope(target, out)
			return
		}
	}
	h.broadcastRoom(s.currentRoom(), out, s.id)
}

func (h *Hub) unicast(sessionID string, env wsproto.Envelope) {
	h.mu.RLock()
	target, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		h.sendEnvelope(target, env)
	}
}

// broadcastRoom snapshots the room's member list under the lock, releases
// it, then sends — matching room.go's Broadcast discipline.
func (h *Hub) broadcastRoom(roomID string, env wsproto.Envelope, except string) {
	if roomID == "" {
		return
	}
	h.mu.RLock()
	set := h.rooms[roomID]
	targets := make([]*session, 0, len(set))
	for id, sess := range set {
		if id == except {
			continue
		}
		targets = append(targets, sess)
	}
	h.mu.RUnlock()

	for _, sess := range targets {
		h.sendEnvelope(sess, env)
	}
}

// BroadcastToAll implements the broadcast_to_all boundary method (spec §6).
func (h *Hub) BroadcastToAll(env wsproto.Envelope) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		targets = append(targets, sess)
	}
	h.mu.RUnlock()
	for _, sess := range targets {
		h.sendEnvelope(sess, env)
	}
}

// BroadcastToRoom implements the broadcast_to_room boundary method,
// consumed by the external chat collaborator (spec §6).
func (h *Hub) BroadcastToRoom(roomID string, env wsproto.Envelope) {
	h.broadcastRoom(roomID, env, "")
}

// BroadcastToUser implements broadcast_to_user: fan out to every session
// bearing userID, since a user may have multiple connections.
func (h *Hub) BroadcastToUser(userID string, env wsproto.Envelope) {
	h.mu.RLock()
	var targets []*session
	for _, sess := range h.sessions {
		sess.mu.Lock()
		if sess.userID == userID {
			targets = append(targets, sess)
		}
		sess.mu.Unlock()
	}
	h.mu.RUnlock()
	for _, sess := range targets {
		h.sendEnvelope(sess, env)
	}
}

// GetAllRooms implements get_all_rooms (spec §6).
func (h *Hub) GetAllRooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// fanOutVoicePresenceIfVoiceRoom implements the voice-channel-update
// fan-out: triggered whenever a non-global, non-numeric room's membership
// changes, sent to every connected socket regardless of its own room.
func (h *Hub) fanOutVoicePresenceIfVoiceRoom(roomID string) {
	if roomID == "" || roomID == "global" || wsproto.IsAllDigits(roomID) {
		return
	}

	h.mu.RLock()
	var channels []wsproto.ChannelPresence
	for id, set := range h.rooms {
		if id == "global" || wsproto.IsAllDigits(id) {
			continue
		}
		var users []wsproto.PresenceUser
		for _, sess := range set {
			sess.mu.Lock()
			users = append(users, wsproto.PresenceUser{ClientID: sess.id, Username: sess.username})
			sess.mu.Unlock()
		}
		channels = append(channels, wsproto.ChannelPresence{ChannelID: id, Users: users})
	}
	targets := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		targets = append(targets, sess)
	}
	h.mu.RUnlock()

	env := wsproto.Envelope{Type: wsproto.TypeVoiceChannelUpdate, Channels: channels}
	for _, sess := range targets {
		h.sendEnvelope(sess, env)
	}
}

// Stats reports session/room counts for the periodic metrics logger.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{Sessions: len(h.sessions), Rooms: len(h.rooms)}
}
