// Package relay is a small development server speaking the client's event
// protocol: rooms with join acknowledgements, paginated history, message
// broadcast, seen receipts and notification fan-out.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"convsync/internal/domain"
	"convsync/internal/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Namespaces served under /ws/<namespace>.
const (
	NamespaceConversation  = "conversation"
	NamespaceNotifications = "notifications"
)

// Config configures the relay.
type Config struct {
	Addr string // listen address (default: :8090)

	// Deny maps room to the reason its joins are rejected.
	Deny map[string]string
	// Members lists the users notified about activity in a room, in
	// addition to everyone who has joined it.
	Members map[string][]string
	// Names maps user id to display name.
	Names map[string]string
	// FetchDelay holds back history responses.
	FetchDelay time.Duration
	// Untagged leaves the room out of history pages and their messages,
	// like servers that predate room-tagged pages.
	Untagged bool
	// FilesDir is served read-only under /files/ when set.
	FilesDir string

	// Store persists room logs under "relay/rooms/<room>" when set.
	Store  domain.KVStore
	Now    func() time.Time
	Logger *slog.Logger
}

// Server holds rooms, their logs and the connected clients.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	mu       sync.RWMutex
	clients  map[*client]struct{}
	rooms    map[string]*room
	notifies map[string]map[*client]struct{} // user id → notification sockets
}

type room struct {
	id       string
	messages []domain.Message // ascending by timestamp
	members  map[string]struct{}
	loaded   bool
}

// client tracks one WebSocket connection.
type client struct {
	conn      *websocket.Conn
	userID    string
	namespace string
	room      string
	mu        sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // development server
	},
}

// New creates a relay with no rooms.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		clients:  make(map[*client]struct{}),
		rooms:    make(map[string]*room),
		notifies: make(map[string]map[*client]struct{}),
	}
}

// Handler returns the HTTP handler serving /ws/<namespace>, /healthz and,
// when configured, /files/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.FilesDir != "" {
		mux.Handle("/files/", http.StripPrefix("/files/", http.FileServer(http.Dir(s.cfg.FilesDir))))
	}
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("relay starting", "addr", s.cfg.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// DirectRoom names the room shared by two users.
func DirectRoom(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

// Seed appends messages to a room log, for fixtures and tests.
func (s *Server) Seed(roomID string, msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(roomID)
	for _, m := range msgs {
		m.ConversationID = roomID
		r.messages = append(r.messages, m)
	}
	sortMessages(r.messages)
	s.persistLocked(r)
}

// Messages returns a copy of a room log.
func (s *Server) Messages(roomID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(roomID)
	out := make([]domain.Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Clone()
	}
	return out
}

// Deliver pushes a notification to every notification socket of userID.
func (s *Server) Deliver(userID string, payload any) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.notifies[userID]))
	for c := range s.notifies[userID] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	for _, c := range targets {
		c.emit(s.logger, "notification", payload)
	}
}

// Online reports whether userID has a notification socket open.
func (s *Server) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notifies[userID]) > 0
}

// Disconnect closes every socket of userID and reports how many were open.
// Clients see an abnormal close and may reconnect.
func (s *Server) Disconnect(userID string) int {
	s.mu.RLock()
	var targets []*client
	for c := range s.clients {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range targets {
		c.conn.Close()
	}
	return len(targets)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ns := strings.TrimPrefix(r.URL.Path, "/ws/")
	if ns != NamespaceConversation && ns != NamespaceNotifications {
		http.NotFound(w, r)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = r.Header.Get("X-User-Id")
	}
	if userID == "" {
		http.Error(w, "userId is required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, userID: userID, namespace: ns}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	if ns == NamespaceNotifications {
		if s.notifies[userID] == nil {
			s.notifies[userID] = make(map[*client]struct{})
		}
		s.notifies[userID][c] = struct{}{}
	}
	s.mu.Unlock()

	s.logger.Info("client connected", "namespace", ns, "user_id", userID)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		if set := s.notifies[userID]; set != nil {
			delete(set, c)
		}
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("client disconnected", "namespace", ns, "user_id", userID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("invalid frame", "err", err)
			continue
		}
		if ns == NamespaceConversation {
			s.handleConversation(c, f)
		}
	}
}

func (s *Server) handleConversation(c *client, f transport.Frame) {
	switch f.Event {
	case "join":
		var req struct {
			Room string `json:"room"`
		}
		_ = f.Decode(0, &req)
		s.join(c, req.Room, f.AckID)

	case "leave":
		var req struct {
			Room string `json:"room"`
		}
		_ = f.Decode(0, &req)
		// leave and the next join race on the client, so only drop the
		// room being left
		s.mu.Lock()
		if req.Room == "" || c.room == req.Room {
			c.room = ""
		}
		s.mu.Unlock()

	case "sendMessage":
		var p sendPayload
		if err := f.Decode(0, &p); err != nil {
			s.logger.Warn("bad sendMessage", "err", err)
			return
		}
		s.send(c, p)

	case "fetchMessages":
		var page, size int
		_ = f.Decode(0, &page)
		_ = f.Decode(1, &size)
		s.mu.RLock()
		roomID := c.room
		s.mu.RUnlock()
		if roomID == "" {
			return
		}
		if s.cfg.FetchDelay > 0 {
			go func() {
				time.Sleep(s.cfg.FetchDelay)
				s.fetch(c, roomID, page, size)
			}()
			return
		}
		s.fetch(c, roomID, page, size)

	case "markSeen":
		var ids []string
		if err := f.Decode(0, &ids); err != nil {
			return
		}
		s.markSeen(c, ids)

	default:
		s.logger.Debug("unhandled event", "event", f.Event)
	}
}

func (s *Server) join(c *client, roomID, ackID string) {
	reply := transport.AckReply{Success: true}
	switch reason, denied := s.cfg.Deny[roomID]; {
	case roomID == "":
		reply = transport.AckReply{Error: "room is required"}
	case denied:
		reply = transport.AckReply{Error: reason}
	default:
		s.mu.Lock()
		c.room = roomID
		s.roomLocked(roomID).members[c.userID] = struct{}{}
		s.mu.Unlock()
		s.logger.Info("joined", "room", roomID, "user_id", c.userID)
	}
	if ackID == "" {
		return
	}
	f, err := transport.NewFrame(transport.EventAck, reply)
	if err != nil {
		return
	}
	f.AckID = ackID
	c.write(s.logger, f)
}

type sendPayload struct {
	Room          string             `json:"room,omitempty"`
	Content       string             `json:"content"`
	Attachments   []string           `json:"attachments,omitempty"`
	Special       bool               `json:"special,omitempty"`
	ReplyTo       *domain.MessageRef `json:"replyTo,omitempty"`
	ForwardedFrom *domain.Sender     `json:"forwardedFrom,omitempty"`
	ReceiverID    string             `json:"receiverId,omitempty"`
	GroupID       string             `json:"groupId,omitempty"`
	ChannelID     string             `json:"channelId,omitempty"`
}

// target resolves the room a send is addressed to.
func (p sendPayload) target(senderID, joined string) (string, domain.ConversationType) {
	switch {
	case p.GroupID != "":
		return firstNonEmpty(p.Room, p.GroupID), domain.ConversationGroup
	case p.ChannelID != "":
		return firstNonEmpty(p.Room, p.ChannelID), domain.ConversationChannel
	case p.ReceiverID != "":
		return firstNonEmpty(p.Room, DirectRoom(senderID, p.ReceiverID)), domain.ConversationDirect
	default:
		return firstNonEmpty(p.Room, joined), domain.ConversationDirect
	}
}

func (s *Server) send(c *client, p sendPayload) {
	s.mu.Lock()
	roomID, kind := p.target(c.userID, c.room)
	if roomID == "" {
		s.mu.Unlock()
		s.logger.Warn("send without room", "user_id", c.userID)
		return
	}
	name := s.cfg.Names[c.userID]
	if name == "" {
		name = c.userID
	}
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: roomID,
		Sender:         domain.Sender{ID: c.userID, DisplayName: name},
		Content:        p.Content,
		Attachments:    p.Attachments,
		Timestamp:      s.cfg.Now().UTC(),
		Special:        p.Special,
		ReplyTo:        p.ReplyTo,
		ForwardedFrom:  p.ForwardedFrom,
	}
	r := s.roomLocked(roomID)
	r.messages = append(r.messages, msg)
	r.members[c.userID] = struct{}{}
	if p.ReceiverID != "" {
		r.members[p.ReceiverID] = struct{}{}
	}
	s.persistLocked(r)

	var inRoom []*client
	for other := range s.clients {
		if other.namespace == NamespaceConversation && other.room == roomID {
			inRoom = append(inRoom, other)
		}
	}
	var notify []string
	for _, m := range s.membersLocked(r) {
		if m != c.userID {
			notify = append(notify, m)
		}
	}
	s.mu.Unlock()

	for _, other := range inRoom {
		other.emit(s.logger, "new_message", msg)
	}
	for _, userID := range notify {
		s.Deliver(userID, map[string]any{
			"id":               uuid.NewString(),
			"type":             string(domain.NotificationMessage),
			"senderId":         c.userID,
			"conversationId":   roomID,
			"conversationType": string(kind),
			"content":          msg.Content,
			"timestamp":        msg.Timestamp,
		})
	}
}

// fetch answers with the requested page, newest first: page 1 holds the
// most recent messages.
func (s *Server) fetch(c *client, roomID string, page, size int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	s.mu.Lock()
	r := s.roomLocked(roomID)
	total := (len(r.messages) + size - 1) / size
	end := len(r.messages) - (page-1)*size
	start := end - size
	if start < 0 {
		start = 0
	}
	var out []domain.Message
	for i := end - 1; i >= start && i >= 0; i-- {
		m := r.messages[i].Clone()
		if s.cfg.Untagged {
			m.ConversationID = ""
		}
		out = append(out, m)
	}
	s.mu.Unlock()

	meta := map[string]any{"currentPage": page, "totalPages": total}
	if !s.cfg.Untagged {
		meta["room"] = roomID
	}
	if out == nil {
		out = []domain.Message{}
	}
	c.emit(s.logger, "messages_received", out, meta)
}

func (s *Server) markSeen(c *client, ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	roomID := c.room
	if roomID == "" {
		s.mu.Unlock()
		return
	}
	r := s.roomLocked(roomID)
	now := s.cfg.Now().UTC()
	for i := range r.messages {
		m := &r.messages[i]
		if _, ok := want[m.ID]; ok && !m.SeenByUser(c.userID) {
			m.SeenBy = append(m.SeenBy, domain.SeenReceipt{UserID: c.userID, SeenAt: now})
		}
	}
	s.persistLocked(r)
	var inRoom []*client
	for other := range s.clients {
		if other.namespace == NamespaceConversation && other.room == roomID {
			inRoom = append(inRoom, other)
		}
	}
	s.mu.Unlock()

	for _, other := range inRoom {
		other.emit(s.logger, "messages_seen", ids, c.userID)
	}
}

// roomLocked returns the room, creating it and loading its persisted log
// on first use. Callers hold s.mu.
func (s *Server) roomLocked(id string) *room {
	r, ok := s.rooms[id]
	if !ok {
		r = &room{id: id, members: make(map[string]struct{})}
		s.rooms[id] = r
	}
	if !r.loaded {
		r.loaded = true
		s.loadLocked(r)
	}
	return r
}

func (s *Server) membersLocked(r *room) []string {
	set := make(map[string]struct{}, len(r.members))
	for m := range r.members {
		set[m] = struct{}{}
	}
	for _, m := range s.cfg.Members[r.id] {
		set[m] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func roomKey(id string) string { return "relay/rooms/" + id }

func (s *Server) loadLocked(r *room) {
	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := s.cfg.Store.Get(ctx, roomKey(r.id))
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("load room failed", "room", r.id, "err", err)
		return
	}
	var msgs []domain.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.logger.Warn("corrupt room log", "room", r.id, "err", err)
		return
	}
	r.messages = append(msgs, r.messages...)
	sortMessages(r.messages)
}

func (s *Server) persistLocked(r *room) {
	if s.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(r.messages)
	if err != nil {
		s.logger.Warn("encode room log", "room", r.id, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Store.Put(ctx, roomKey(r.id), data); err != nil {
		s.logger.Warn("persist room failed", "room", r.id, "err", err)
	}
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		delete(s.clients, c)
	}
}

func (c *client) emit(logger *slog.Logger, event string, args ...any) {
	f, err := transport.NewFrame(event, args...)
	if err != nil {
		logger.Warn("encode frame", "event", event, "err", err)
		return
	}
	c.write(logger, f)
}

func (c *client) write(logger *slog.Logger, f transport.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Debug("websocket write failed", "user_id", c.userID, "err", err)
	}
}

func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
