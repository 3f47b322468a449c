// Package realtime is the live half of the chat backend. It authenticates
// socket connections, tracks presence and room membership, and owns the one
// ingestion path every new message goes through before it is fanned out.
//
// The package does not know about fiber or websockets. A transport accepts a
// Connection, feeds it client events through the Gateway methods, and drains
// Connection.Send until Connection.Done is closed.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"chat-gateway/internal/metrics"
	"chat-gateway/internal/models"
	"chat-gateway/internal/services"
)

// Authenticator resolves a bearer credential to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

type Options struct {
	SystemUser          models.UserInfo
	AutoResponseContent string
	AutoResponseDelay   time.Duration
	// TypingTTL of zero disables synthesized stop signals.
	TypingTTL  time.Duration
	AwayAfter  time.Duration
	SendBuffer int
}

type Deps struct {
	Auth     Authenticator
	Users    services.UserStore
	Chats    services.ChatStore
	Messages services.MessageStore
	Unread   services.UnreadStore
	Notifier services.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 100

	// MaxAutoResponseDelay bounds the per-connection auto-response delay.
	MaxAutoResponseDelay = 24 * time.Hour
)

// Gateway is the connection lifecycle manager and the entry point for every
// per-chat operation.
type Gateway struct {
	auth    Authenticator
	users   services.UserStore
	chats   services.ChatStore
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    Options
	now     func() time.Time

	presence *PresenceRegistry
	rooms    *RoomTracker
	fan      *fanout
	pipeline *Pipeline
	reads    *ReadTracker
	typing   *TypingBroadcaster
	auto     *AutoResponder

	mu    sync.Mutex
	conns map[string]*Connection
}

func New(deps Deps, opts Options) *Gateway {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "realtime")

	presence := NewPresenceRegistry()
	rooms := NewRoomTracker()
	fan := &fanout{rooms: rooms, presence: presence, metrics: deps.Metrics, log: log}

	g := &Gateway{
		auth:     deps.Auth,
		users:    deps.Users,
		chats:    deps.Chats,
		metrics:  deps.Metrics,
		log:      log,
		opts:     opts,
		now:      time.Now,
		presence: presence,
		rooms:    rooms,
		fan:      fan,
		conns:    make(map[string]*Connection),
	}
	g.pipeline = &Pipeline{
		chats:    deps.Chats,
		messages: deps.Messages,
		unread:   deps.Unread,
		users:    deps.Users,
		notifier: deps.Notifier,
		presence: presence,
		fan:      fan,
		metrics:  deps.Metrics,
		log:      log,
		system:   opts.SystemUser,
	}
	g.reads = &ReadTracker{
		chats:    deps.Chats,
		messages: deps.Messages,
		unread:   deps.Unread,
		users:    deps.Users,
		fan:      fan,
		log:      log,
	}
	g.typing = &TypingBroadcaster{
		rooms:  rooms,
		fan:    fan,
		ttl:    opts.TypingTTL,
		timers: make(map[typingKey]*time.Timer),
	}
	g.auto = &AutoResponder{
		content:      opts.AutoResponseContent,
		defaultDelay: opts.AutoResponseDelay,
		fire: func(ctx context.Context, content, chatID string) error {
			_, err := g.pipeline.IngestSystem(ctx, content, chatID)
			return err
		},
		metrics: deps.Metrics,
		log:     log,
		states:  make(map[string]*autoState),
	}
	g.pipeline.AddHook(g.scheduleAutoResponse)
	return g
}

// scheduleAutoResponse runs after every user message, whichever path it came
// in on. Senders without a live connection have no auto-response state.
func (g *Gateway) scheduleAutoResponse(_ context.Context, msg *models.Message, src Source, connID string) {
	if connID == "" {
		return
	}
	if g.auto.Schedule(connID, msg.ChatID) {
		g.log.Debug("auto-response scheduled", "conn_id", connID, "chat_id", msg.ChatID, "source", src)
	}
}

// Connection lifecycle

// Accept registers a freshly opened, still unauthenticated transport session.
func (g *Gateway) Accept(transport, remoteAddr string) *Connection {
	conn := NewConnection(transport, remoteAddr, g.opts.SendBuffer)
	g.mu.Lock()
	g.conns[conn.ID] = conn
	g.mu.Unlock()
	g.metrics.Connections.Inc()
	return conn
}

// Connect authenticates conn with a bearer credential and attaches it. On
// error the caller must tear the connection down; nothing was broadcast.
func (g *Gateway) Connect(ctx context.Context, conn *Connection, token string) (*models.User, error) {
	if token == "" {
		g.metrics.AuthFailures.WithLabelValues("missing").Inc()
		return nil, fmt.Errorf("%w: missing token", services.ErrNotAuthenticated)
	}
	user, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		g.metrics.AuthFailures.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := g.Attach(ctx, conn, user); err != nil {
		return nil, err
	}
	return user, nil
}

// HandshakeTimedOut records a connection that never authenticated.
func (g *Gateway) HandshakeTimedOut(conn *Connection) {
	g.metrics.AuthFailures.WithLabelValues("timeout").Inc()
	g.log.Info("handshake timed out", "conn_id", conn.ID, "remote_addr", conn.RemoteAddr)
}

// Attach binds an already authenticated user to conn: presence goes online,
// the connection joins a room per chat and everyone sees the status change.
// A previous connection of the same user is closed first. A connection that
// was closed before it could be bound, for instance by the handshake timer,
// is rejected without touching presence.
func (g *Gateway) Attach(ctx context.Context, conn *Connection, user *models.User) error {
	if !conn.bind(user) {
		return fmt.Errorf("%w: connection closed", services.ErrNotAuthenticated)
	}
	now := g.now()
	conn.Touch(now)

	if stale := g.presence.Set(user.ID, conn, now); stale != nil {
		g.log.Info("closing stale connection", "user_id", user.ID, "conn_id", stale.ID)
		g.rooms.RemoveConnection(stale.ID)
		g.auto.Forget(stale.ID)
		stale.Close()
	}
	g.metrics.OnlineUsers.Set(float64(g.presence.Len()))

	if err := g.users.SetStatus(ctx, user.ID, models.StatusOnline, now); err != nil {
		g.pipeline.bestEffortFailed("status_online", err, "user_id", user.ID)
	}

	chats, err := g.chats.ListUserChats(ctx, user.ID)
	if err != nil {
		g.pipeline.bestEffortFailed("list_user_chats", err, "user_id", user.ID)
	}
	for _, chat := range chats {
		g.rooms.Add(chat.ID, conn)
	}

	g.log.Info("user connected", "user_id", user.ID, "conn_id", conn.ID, "rooms", len(chats))
	g.fan.toAll(models.EventUserStatusUpdate, models.UserStatusUpdate{
		UserID: user.ID,
		Status: models.StatusOnline,
		User:   user.Info(),
	})
	return nil
}

// Disconnect tears conn down. Calling it twice, or for a connection that
// never authenticated, is harmless.
func (g *Gateway) Disconnect(ctx context.Context, conn *Connection) {
	g.mu.Lock()
	_, tracked := g.conns[conn.ID]
	delete(g.conns, conn.ID)
	g.mu.Unlock()
	if !tracked {
		conn.Close()
		return
	}
	g.metrics.Connections.Dec()

	g.rooms.RemoveConnection(conn.ID)
	g.auto.Forget(conn.ID)
	conn.Close()

	user := conn.User()
	if user == nil || !g.presence.Remove(user.ID, conn.ID) {
		return
	}
	g.metrics.OnlineUsers.Set(float64(g.presence.Len()))

	if err := g.users.SetStatus(ctx, user.ID, models.StatusOffline, g.now()); err != nil {
		g.pipeline.bestEffortFailed("status_offline", err, "user_id", user.ID)
	}
	g.log.Info("user disconnected", "user_id", user.ID, "conn_id", conn.ID)
	g.fan.toAll(models.EventUserStatusUpdate, models.UserStatusUpdate{
		UserID: user.ID,
		Status: models.StatusOffline,
		User:   user.Info(),
	})
}

// Shutdown cancels timers and closes every connection.
func (g *Gateway) Shutdown() {
	g.auto.Stop()
	g.typing.Stop()

	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func requireUser(conn *Connection) (*models.User, error) {
	user := conn.User()
	if user == nil {
		return nil, services.ErrNotAuthenticated
	}
	return user, nil
}

// Rooms

// JoinAndMarkRead re-checks participation against the chat store, subscribes
// conn to the chat and clears the user's unread state for it. Subscribing
// always counts as reading.
func (g *Gateway) JoinAndMarkRead(ctx context.Context, conn *Connection, chatID string) error {
	user, err := requireUser(conn)
	if err != nil {
		return err
	}
	chat, err := g.chats.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(user.ID) {
		return services.ErrNotAuthorized
	}

	added := g.rooms.Add(chat.ID, conn)
	if _, err := g.reads.markChatRead(ctx, chat.ID, user.ID); err != nil {
		if added {
			g.rooms.Remove(chat.ID, conn.ID)
		}
		return err
	}
	return nil
}

// Leave never fails.
func (g *Gateway) Leave(conn *Connection, chatID string) {
	g.rooms.Remove(chatID, conn.ID)
}

// SubscribeParticipants puts the live connections of a new chat's
// participants into its room.
func (g *Gateway) SubscribeParticipants(chat *models.Chat) {
	for _, userID := range chat.Participants {
		if conn, ok := g.presence.Connection(userID); ok {
			g.rooms.Add(chat.ID, conn)
		}
	}
}

func (g *Gateway) InRoom(chatID string, conn *Connection) bool {
	return g.rooms.IsMember(chatID, conn.ID)
}

// Messages

// SendMessage is the socket ingress.
func (g *Gateway) SendMessage(ctx context.Context, conn *Connection, req models.SendMessageRequest) (*models.Message, error) {
	user, err := requireUser(conn)
	if err != nil {
		return nil, err
	}
	return g.pipeline.Ingest(ctx, IngestRequest{
		ChatID:   req.ChatID,
		SenderID: user.ID,
		Content:  req.Content,
		Type:     req.Type,
		Source:   SourceSocket,
		ConnID:   conn.ID,
	})
}

// PostMessage is the request/response ingress. The sender's live connection,
// if any, is resolved so its auto-response settings apply.
func (g *Gateway) PostMessage(ctx context.Context, userID int, req models.SendMessageRequest) (*models.Message, error) {
	var connID string
	if conn, ok := g.presence.Connection(userID); ok {
		connID = conn.ID
	}
	return g.pipeline.Ingest(ctx, IngestRequest{
		ChatID:   req.ChatID,
		SenderID: userID,
		Content:  req.Content,
		Type:     req.Type,
		Source:   SourceAPI,
		ConnID:   connID,
	})
}

func (g *Gateway) EditMessage(ctx context.Context, userID int, messageID int64, content string) (*models.Message, error) {
	return g.pipeline.Edit(ctx, messageID, userID, content)
}

func (g *Gateway) DeleteMessage(ctx context.Context, userID int, messageID int64) error {
	return g.pipeline.Delete(ctx, messageID, userID)
}

// ListMessages pages through a chat newest first.
func (g *Gateway) ListMessages(ctx context.Context, userID int, chatID string, page, limit int) (*models.MessagePage, error) {
	chat, err := g.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, services.ErrNotAuthorized
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)
	if page > math.MaxInt32/limit {
		return nil, fmt.Errorf("%w: page %d out of range", services.ErrInvalidMessage, page)
	}

	msgs, total, err := g.pipeline.messages.ListChatMessages(ctx, chat.ID, page, limit)
	if err != nil {
		return nil, err
	}
	return &models.MessagePage{
		Messages: msgs,
		Page:     page,
		Limit:    limit,
		Total:    total,
		HasMore:  (page-1)*limit+len(msgs) < total,
	}, nil
}

// Read state

func (g *Gateway) MarkMessageRead(ctx context.Context, userID int, messageID int64) ([]int, error) {
	return g.reads.MarkMessageRead(ctx, messageID, userID)
}

func (g *Gateway) MarkChatRead(ctx context.Context, userID int, chatID string) (int, error) {
	return g.reads.MarkChatRead(ctx, chatID, userID)
}

func (g *Gateway) Unread(ctx context.Context, userID int, chatID string) (int, error) {
	return g.reads.Unread(ctx, chatID, userID)
}

// Typing relays a typing signal. It reports false when conn is not
// authenticated or not in the chat's room.
func (g *Gateway) Typing(conn *Connection, chatID string, isTyping bool) bool {
	return g.typing.SetTyping(chatID, conn, isTyping)
}

// Auto-response

// SetAutoResponse updates the connection's settings; nil leaves a value
// unchanged. It returns the resulting settings.
func (g *Gateway) SetAutoResponse(conn *Connection, enabled *bool, delay *time.Duration) (bool, time.Duration, error) {
	if _, err := requireUser(conn); err != nil {
		return false, 0, err
	}
	if delay != nil {
		if *delay < 0 || *delay > MaxAutoResponseDelay {
			return false, 0, fmt.Errorf("%w: delay must be between 0 and %s", services.ErrInvalidMessage, MaxAutoResponseDelay)
		}
		g.auto.SetDelay(conn.ID, *delay)
	}
	if enabled != nil {
		g.auto.SetEnabled(conn.ID, *enabled)
	}
	on, d := g.auto.Settings(conn.ID)
	return on, d, nil
}

// PendingAutoResponses is the number of armed auto-response timers for conn.
func (g *Gateway) PendingAutoResponses(conn *Connection) int {
	return g.auto.Pending(conn.ID)
}

// Presence

// Touch records client activity and brings an away user back online.
func (g *Gateway) Touch(conn *Connection) {
	now := g.now()
	conn.Touch(now)
	user := conn.User()
	if user == nil {
		return
	}
	if g.presence.SetStatus(user.ID, conn.ID, models.StatusOnline, now) {
		g.statusChanged(user, models.StatusOnline, now)
	}
}

// SweepAway marks users idle for longer than AwayAfter as away and returns
// how many changed.
func (g *Gateway) SweepAway(now time.Time) int {
	if g.opts.AwayAfter <= 0 {
		return 0
	}
	changed := 0
	for _, conn := range g.presence.Connections() {
		user := conn.User()
		if user == nil || now.Sub(conn.LastActivity()) < g.opts.AwayAfter {
			continue
		}
		if g.presence.SetStatus(user.ID, conn.ID, models.StatusAway, now) {
			g.statusChanged(user, models.StatusAway, now)
			changed++
		}
	}
	return changed
}

func (g *Gateway) statusChanged(user *models.User, status models.PresenceStatus, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.users.SetStatus(ctx, user.ID, status, now); err != nil {
		g.pipeline.bestEffortFailed("status_"+string(status), err, "user_id", user.ID)
	}
	g.fan.toAll(models.EventUserStatusUpdate, models.UserStatusUpdate{
		UserID: user.ID,
		Status: status,
		User:   user.Info(),
	})
}

// Presence returns the user's live entry, offline when absent.
func (g *Gateway) Presence(userID int) models.PresenceEntry {
	entry, _ := g.presence.Get(userID)
	return entry
}

// OnlineUsers lists every user holding a live connection, ordered by user id.
func (g *Gateway) OnlineUsers() []models.PresenceEntry {
	entries := g.presence.Entries()
	for i := range entries {
		entries[i].ConnID = ""
	}
	slices.SortFunc(entries, func(a, b models.PresenceEntry) int { return a.UserID - b.UserID })
	return entries
}

func (g *Gateway) IsOnline(userID int) bool {
	_, ok := g.presence.Get(userID)
	return ok
}

// IsClientError reports whether err belongs to the caller rather than to a
// failing store.
func IsClientError(err error) bool {
	return errors.Is(err, services.ErrNotAuthenticated) ||
		errors.Is(err, services.ErrNotAuthorized) ||
		errors.Is(err, services.ErrNotFound) ||
		errors.Is(err, services.ErrInvalidMessage)
}
