package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"chat-gateway/internal/metrics"
	"chat-gateway/internal/models"
	"chat-gateway/internal/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.PushNotification
}

func (n *recordingNotifier) Notify(_ context.Context, batch []models.PushNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, batch...)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) users() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []int
	for _, p := range n.sent {
		out = append(out, p.UserID)
	}
	return out
}

// flakyUnread fails selected operations of an otherwise working store.
type flakyUnread struct {
	services.UnreadStore
	failIncrement bool
	failReset     bool
}

func (u *flakyUnread) Increment(ctx context.Context, chatID string, userIDs []int) error {
	if u.failIncrement {
		return errors.New("redis: connection refused")
	}
	return u.UnreadStore.Increment(ctx, chatID, userIDs)
}

func (u *flakyUnread) Reset(ctx context.Context, chatID string, userID int) error {
	if u.failReset {
		return errors.New("redis: connection refused")
	}
	return u.UnreadStore.Reset(ctx, chatID, userID)
}

// revokingChats hides removed participants from an otherwise working store.
type revokingChats struct {
	services.ChatStore
	mu      sync.Mutex
	removed map[string][]int
}

func (r *revokingChats) revoke(chatID string, userID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[chatID] = append(r.removed[chatID], userID)
}

func (r *revokingChats) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	chat, err := r.ChatStore.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chat.Participants = slices.DeleteFunc(slices.Clone(chat.Participants), func(p int) bool {
		return slices.Contains(r.removed[id], p)
	})
	return chat, nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *services.MemoryStore
	chats    *revokingChats
	unread   *flakyUnread
	notifier *recordingNotifier
	auth     *services.AuthService
	metrics  *metrics.Metrics
	gw       *Gateway
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.SystemUser.ID == 0 {
		opts.SystemUser = models.UserInfo{ID: -1, Username: "ChatBot"}
	}
	if opts.AutoResponseContent == "" {
		opts.AutoResponseContent = "auto reply"
	}
	if opts.AutoResponseDelay == 0 {
		opts.AutoResponseDelay = 50 * time.Millisecond
	}

	store := services.NewMemoryStore()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		chats:    &revokingChats{ChatStore: store, removed: map[string][]int{}},
		unread:   &flakyUnread{UnreadStore: services.NewMemoryUnreadStore()},
		notifier: &recordingNotifier{},
		auth:     services.NewAuthService(store, "test-secret", time.Hour),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.gw = New(Deps{
		Auth:     f.auth,
		Users:    store,
		Chats:    f.chats,
		Messages: store,
		Unread:   f.unread,
		Notifier: f.notifier,
		Metrics:  f.metrics,
	}, opts)
	t.Cleanup(f.gw.Shutdown)
	return f
}

func (f *fixture) user(name string) *models.User {
	f.t.Helper()
	u := &models.User{Username: name}
	if err := f.store.CreateUser(f.ctx, u); err != nil {
		f.t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func (f *fixture) chat(participants ...*models.User) *models.Chat {
	f.t.Helper()
	c := &models.Chat{Type: "group"}
	for _, p := range participants {
		c.Participants = append(c.Participants, p.ID)
	}
	if err := f.store.CreateChat(f.ctx, c); err != nil {
		f.t.Fatalf("create chat: %v", err)
	}
	return c
}

func (f *fixture) connect(u *models.User) *Connection {
	f.t.Helper()
	token, err := f.auth.GenerateToken(u.ID, u.Username)
	if err != nil {
		f.t.Fatal(err)
	}
	conn := f.gw.Accept("websocket", "127.0.0.1")
	if _, err := f.gw.Connect(f.ctx, conn, token); err != nil {
		f.t.Fatalf("connect %s: %v", u.Username, err)
	}
	return conn
}

func (f *fixture) unreadOf(chatID string, u *models.User) int {
	f.t.Helper()
	n, err := f.unread.Count(f.ctx, chatID, u.ID)
	if err != nil {
		f.t.Fatal(err)
	}
	return n
}

type frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
}

// drain returns every frame queued on conn without waiting.
func drain(t *testing.T, conn *Connection) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw := <-conn.Send():
			var fr frame
			if err := json.Unmarshal(raw, &fr); err != nil {
				t.Fatalf("decode frame %s: %v", raw, err)
			}
			out = append(out, fr)
		default:
			return out
		}
	}
}

func only(frames []frame, event string) []frame {
	var out []frame
	for _, fr := range frames {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

// waitFor blocks until a frame matching event and match arrives.
func waitFor(t *testing.T, conn *Connection, event string, timeout time.Duration, match func(frame) bool) (frame, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-conn.Send():
			var fr frame
			if err := json.Unmarshal(raw, &fr); err != nil {
				t.Fatalf("decode frame %s: %v", raw, err)
			}
			if fr.Event == event && (match == nil || match(fr)) {
				return fr, true
			}
		case <-deadline:
			return frame{}, false
		}
	}
}

func decodeMessage(t *testing.T, fr frame) models.Message {
	t.Helper()
	var m models.Message
	if err := json.Unmarshal(fr.Data, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return m
}

func isSystemMessage(fr frame) bool {
	var m models.Message
	return json.Unmarshal(fr.Data, &m) == nil && m.Type == models.MessageSystem
}

func TestIngestSetsReadByAndIncrementsOthers(t *testing.T) {
	f := newFixture(t, Options{})
	a, b, c := f.user("alice"), f.user("bob"), f.user("carol")
	chat := f.chat(a, b, c)

	msg, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "hello"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if !slices.Equal(msg.ReadBy, []int{a.ID}) {
		t.Fatalf("readBy = %v, want only the sender", msg.ReadBy)
	}
	if msg.Type != models.MessageText {
		t.Fatalf("type = %q, want text default", msg.Type)
	}
	if got := f.unreadOf(chat.ID, b); got != 1 {
		t.Errorf("unread(bob) = %d, want 1", got)
	}
	if got := f.unreadOf(chat.ID, c); got != 1 {
		t.Errorf("unread(carol) = %d, want 1", got)
	}
	if got := f.unreadOf(chat.ID, a); got != 0 {
		t.Errorf("unread(alice) = %d, want 0", got)
	}

	stored, err := f.store.GetMessage(f.ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(stored.ReadBy, []int{a.ID}) {
		t.Fatalf("persisted readBy = %v", stored.ReadBy)
	}
}

func TestAPIMessageReachesJoinedPeer(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)

	f.connect(a)
	connB := f.connect(b)
	if err := f.gw.JoinAndMarkRead(f.ctx, connB, chat.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	before := f.unreadOf(chat.ID, b)
	drain(t, connB)

	if _, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "hello", Type: models.MessageText}); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	got := only(drain(t, connB), models.EventNewMessage)
	if len(got) != 1 {
		t.Fatalf("bob got %d newMessage frames, want 1", len(got))
	}
	m := decodeMessage(t, got[0])
	if m.Content != "hello" || m.SenderID != a.ID {
		t.Fatalf("broadcast = %+v", m)
	}
	if m.Sender == nil || m.Sender.Username != "alice" {
		t.Fatalf("sender = %+v", m.Sender)
	}
	if after := f.unreadOf(chat.ID, b); after != before+1 {
		t.Fatalf("unread(bob) = %d, want %d", after, before+1)
	}
}

func TestSocketSendAcksAndRejectsInvalidContent(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connA := f.connect(a)

	if _, err := f.gw.SendMessage(f.ctx, connA, models.SendMessageRequest{ChatID: chat.ID, Content: "   "}); !errors.Is(err, services.ErrInvalidMessage) {
		t.Fatalf("blank content err = %v", err)
	}
	if _, err := f.gw.SendMessage(f.ctx, connA, models.SendMessageRequest{ChatID: chat.ID, Content: "x", Type: models.MessageSystem}); !errors.Is(err, services.ErrInvalidMessage) {
		t.Fatalf("system type from a user err = %v", err)
	}

	msg, err := f.gw.SendMessage(f.ctx, connA, models.SendMessageRequest{ChatID: chat.ID, Content: " hi "})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Content != "hi" {
		t.Fatalf("content = %q", msg.Content)
	}
	if got := testutil.ToFloat64(f.metrics.MessagesIngested.WithLabelValues("socket")); got != 1 {
		t.Fatalf("socket ingested = %v", got)
	}
}

func TestJoinClearsUnreadAndSubscribes(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)

	for i := 0; i < 3; i++ {
		if _, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "ping"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.unreadOf(chat.ID, b); got != 3 {
		t.Fatalf("unread before join = %d", got)
	}

	connB := f.connect(b)
	// Connecting subscribes but does not count as reading.
	if got := f.unreadOf(chat.ID, b); got != 3 {
		t.Fatalf("unread after connect = %d, want 3", got)
	}

	if err := f.gw.JoinAndMarkRead(f.ctx, connB, chat.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := f.unreadOf(chat.ID, b); got != 0 {
		t.Fatalf("unread after join = %d, want 0", got)
	}
	if !f.gw.InRoom(chat.ID, connB) {
		t.Fatal("bob's connection not in room after join")
	}
	page, err := f.gw.ListMessages(f.ctx, b.ID, chat.ID, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range page.Messages {
		if !m.IsReadBy(b.ID) {
			t.Fatalf("message %d not read by bob after join", m.ID)
		}
	}
}

func TestLeaveThenRejoinConverges(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connB := f.connect(b)

	if _, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := f.gw.JoinAndMarkRead(f.ctx, connB, chat.ID); err != nil {
		t.Fatal(err)
	}
	wantRooms := f.gw.rooms.ChatsOf(connB.ID)
	wantUnread := f.unreadOf(chat.ID, b)

	f.gw.Leave(connB, chat.ID)
	if f.gw.InRoom(chat.ID, connB) {
		t.Fatal("still in room after leave")
	}
	f.gw.Leave(connB, chat.ID)
	if err := f.gw.JoinAndMarkRead(f.ctx, connB, chat.ID); err != nil {
		t.Fatal(err)
	}

	if got := f.gw.rooms.ChatsOf(connB.ID); !slices.Equal(got, wantRooms) {
		t.Fatalf("rooms = %v, want %v", got, wantRooms)
	}
	if got := f.unreadOf(chat.ID, b); got != wantUnread {
		t.Fatalf("unread = %d, want %d", got, wantUnread)
	}
	if members := f.gw.rooms.Members(chat.ID); len(members) != 1 {
		t.Fatalf("room has %d members, want 1", len(members))
	}
}

func TestJoinIsReauthorized(t *testing.T) {
	f := newFixture(t, Options{})
	a, b, c := f.user("alice"), f.user("bob"), f.user("carol")
	chat := f.chat(a, b)
	connB := f.connect(b)
	connC := f.connect(c)

	if err := f.gw.JoinAndMarkRead(f.ctx, connC, chat.ID); !errors.Is(err, services.ErrNotAuthorized) {
		t.Fatalf("non-participant join err = %v", err)
	}
	if f.gw.InRoom(chat.ID, connC) {
		t.Fatal("non-participant was added to the room")
	}
	if err := f.gw.JoinAndMarkRead(f.ctx, connC, "no-such-chat"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("unknown chat err = %v", err)
	}

	// Removal from the chat takes effect on the next join even though the
	// connection was subscribed at connect time.
	f.gw.Leave(connB, chat.ID)
	f.chats.revoke(chat.ID, b.ID)
	if err := f.gw.JoinAndMarkRead(f.ctx, connB, chat.ID); !errors.Is(err, services.ErrNotAuthorized) {
		t.Fatalf("removed participant join err = %v", err)
	}
	if _, err := f.gw.SendMessage(f.ctx, connB, models.SendMessageRequest{ChatID: chat.ID, Content: "x"}); !errors.Is(err, services.ErrNotAuthorized) {
		t.Fatalf("removed participant send err = %v", err)
	}
}

func TestJoinRollsBackWhenMarkReadFails(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connB := f.connect(b)
	f.gw.Leave(connB, chat.ID)

	f.unread.failReset = true
	if err := f.gw.JoinAndMarkRead(f.ctx, connB, chat.ID); err == nil {
		t.Fatal("expected join to fail")
	}
	if f.gw.InRoom(chat.ID, connB) {
		t.Fatal("failed join left the connection in the room")
	}
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connA := f.connect(a)

	msg, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "read me"})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, connA)

	first, err := f.gw.MarkMessageRead(f.ctx, b.ID, msg.ID)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	second, err := f.gw.MarkMessageRead(f.ctx, b.ID, msg.ID)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if !slices.Equal(first, second) || !slices.Equal(first, []int{a.ID, b.ID}) {
		t.Fatalf("readBy = %v then %v", first, second)
	}

	receipts := only(drain(t, connA), models.EventMessageRead)
	if len(receipts) != 1 {
		t.Fatalf("got %d messageRead broadcasts, want 1", len(receipts))
	}
	var receipt models.MessageRead
	if err := json.Unmarshal(receipts[0].Data, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.MessageID != msg.ID || receipt.User == nil || receipt.User.ID != b.ID {
		t.Fatalf("receipt = %+v", receipt)
	}

	if _, err := f.gw.MarkMessageRead(f.ctx, b.ID, 9999); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("unknown message err = %v", err)
	}
	outsider := f.user("mallory")
	if _, err := f.gw.MarkMessageRead(f.ctx, outsider.ID, msg.ID); !errors.Is(err, services.ErrNotAuthorized) {
		t.Fatalf("outsider err = %v", err)
	}
}

func TestMarkChatReadResetsCounter(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	for i := 0; i < 2; i++ {
		if _, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := f.gw.MarkChatRead(f.ctx, b.ID, chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("marked = %d, want 2", n)
	}
	if got, _ := f.gw.Unread(f.ctx, b.ID, chat.ID); got != 0 {
		t.Fatalf("unread = %d", got)
	}
	if n, _ := f.gw.MarkChatRead(f.ctx, b.ID, chat.ID); n != 0 {
		t.Fatalf("second mark changed %d messages", n)
	}
	if _, err := f.gw.Unread(f.ctx, f.user("eve").ID, chat.ID); !errors.Is(err, services.ErrNotAuthorized) {
		t.Fatalf("outsider unread err = %v", err)
	}
}

func TestUnauthenticatedConnectionCannotAct(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connB := f.connect(b)
	drain(t, connB)

	anon := f.gw.Accept("websocket", "127.0.0.1")
	if _, err := f.gw.SendMessage(f.ctx, anon, models.SendMessageRequest{ChatID: chat.ID, Content: "hi"}); !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("send err = %v", err)
	}
	if err := f.gw.JoinAndMarkRead(f.ctx, anon, chat.ID); !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("join err = %v", err)
	}
	if f.gw.Typing(anon, chat.ID, true) {
		t.Fatal("typing accepted from unauthenticated connection")
	}
	if rooms := f.gw.rooms.ChatsOf(anon.ID); len(rooms) != 0 {
		t.Fatalf("anonymous connection in rooms %v", rooms)
	}

	if _, err := f.gw.Connect(f.ctx, anon, "garbage"); !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("bad token err = %v", err)
	}
	if _, err := f.gw.Connect(f.ctx, anon, ""); !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("missing token err = %v", err)
	}
	f.gw.Disconnect(f.ctx, anon)

	if got := drain(t, connB); len(got) != 0 {
		t.Fatalf("failed handshake produced broadcasts: %+v", got)
	}
	if got := testutil.ToFloat64(f.metrics.AuthFailures.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("invalid auth failures = %v", got)
	}
	if msgs, _, _ := f.store.ListChatMessages(f.ctx, chat.ID, 1, 10); len(msgs) != 0 {
		t.Fatal("message persisted for unauthenticated sender")
	}
}

func TestConnectJoinsRoomsAndBroadcastsPresence(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	c1, c2 := f.chat(a, b), f.chat(a)
	connB := f.connect(b)
	drain(t, connB)

	connA := f.connect(a)
	rooms := f.gw.rooms.ChatsOf(connA.ID)
	slices.Sort(rooms)
	want := []string{c1.ID, c2.ID}
	slices.Sort(want)
	if !slices.Equal(rooms, want) {
		t.Fatalf("rooms = %v, want %v", rooms, want)
	}
	if entry := f.gw.Presence(a.ID); entry.Status != models.StatusOnline || entry.ConnID != connA.ID {
		t.Fatalf("presence = %+v", entry)
	}
	u, _ := f.store.GetUser(f.ctx, a.ID)
	if u.Status != models.StatusOnline {
		t.Fatalf("persisted status = %q", u.Status)
	}

	updates := only(drain(t, connB), models.EventUserStatusUpdate)
	if len(updates) != 1 {
		t.Fatalf("bob got %d status updates", len(updates))
	}
	var su models.UserStatusUpdate
	if err := json.Unmarshal(updates[0].Data, &su); err != nil {
		t.Fatal(err)
	}
	if su.UserID != a.ID || su.Status != models.StatusOnline || su.User == nil || su.User.Username != "alice" {
		t.Fatalf("status update = %+v", su)
	}

	f.gw.Disconnect(f.ctx, connA)
	updates = only(drain(t, connB), models.EventUserStatusUpdate)
	if len(updates) != 1 {
		t.Fatalf("bob got %d offline updates", len(updates))
	}
	if err := json.Unmarshal(updates[0].Data, &su); err != nil {
		t.Fatal(err)
	}
	if su.Status != models.StatusOffline {
		t.Fatalf("status = %q", su.Status)
	}
	if f.gw.IsOnline(a.ID) {
		t.Fatal("alice still online")
	}
	if len(f.gw.rooms.ChatsOf(connA.ID)) != 0 {
		t.Fatal("rooms not cleaned up")
	}
	f.gw.Disconnect(f.ctx, connA)
	if extra := drain(t, connB); len(extra) != 0 {
		t.Fatalf("second disconnect broadcast %+v", extra)
	}
}

func TestReconnectClosesStaleConnection(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connB := f.connect(b)

	first := f.connect(a)
	second := f.connect(a)
	if !first.Closed() {
		t.Fatal("stale connection left open")
	}
	if f.gw.InRoom(chat.ID, first) {
		t.Fatal("stale connection still subscribed")
	}
	drain(t, connB)

	f.gw.Disconnect(f.ctx, first)
	if entry := f.gw.Presence(a.ID); entry.ConnID != second.ID || entry.Status != models.StatusOnline {
		t.Fatalf("presence after stale disconnect = %+v", entry)
	}
	if got := only(drain(t, connB), models.EventUserStatusUpdate); len(got) != 0 {
		t.Fatalf("stale disconnect broadcast %d status updates", len(got))
	}
}

func TestClosedConnectionCannotTakeOverPresence(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	f.chat(a, b)
	live := f.connect(a)
	connB := f.connect(b)
	drain(t, connB)

	token, err := f.auth.GenerateToken(a.ID, a.Username)
	if err != nil {
		t.Fatal(err)
	}
	late := f.gw.Accept("websocket", "127.0.0.1")
	if !late.CloseIfUnauthenticated() {
		t.Fatal("handshake close failed on a fresh connection")
	}
	if _, err := f.gw.Connect(f.ctx, late, token); !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("connect on closed connection err = %v", err)
	}
	if err := f.gw.Attach(f.ctx, late, a); !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("attach on closed connection err = %v", err)
	}

	if live.Closed() {
		t.Fatal("live connection was closed by a timed-out handshake")
	}
	if entry := f.gw.Presence(a.ID); entry.ConnID != live.ID {
		t.Fatalf("presence owner = %q, want %q", entry.ConnID, live.ID)
	}
	if got := only(drain(t, connB), models.EventUserStatusUpdate); len(got) != 0 {
		t.Fatalf("closed connection broadcast %d status updates", len(got))
	}
}

func TestAutoResponseFiresAfterDelay(t *testing.T) {
	const delay = 200 * time.Millisecond
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connA := f.connect(a)
	connB := f.connect(b)

	on, d := true, delay
	if _, _, err := f.gw.SetAutoResponse(connA, &on, &d); err != nil {
		t.Fatal(err)
	}
	drain(t, connB)

	start := time.Now()
	if _, err := f.gw.SendMessage(f.ctx, connA, models.SendMessageRequest{ChatID: chat.ID, Content: "anyone?"}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(delay / 2)
	for _, fr := range only(drain(t, connB), models.EventNewMessage) {
		if isSystemMessage(fr) {
			t.Fatal("system message arrived before the delay")
		}
	}

	fr, ok := waitFor(t, connB, models.EventNewMessage, 2*time.Second, isSystemMessage)
	if !ok {
		t.Fatal("no auto-response")
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("auto-response after %v, want at least %v", elapsed, delay)
	}
	m := decodeMessage(t, fr)
	if m.SenderID != -1 || m.Sender == nil || m.Sender.Username != "ChatBot" || m.Content != "auto reply" {
		t.Fatalf("system message = %+v sender %+v", m, m.Sender)
	}
	if got := f.unreadOf(chat.ID, b); got != 1 {
		t.Fatalf("system message touched unread counters: %d", got)
	}
}

func TestAutoResponseFollowsAPIPath(t *testing.T) {
	f := newFixture(t, Options{AutoResponseDelay: 20 * time.Millisecond})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connA := f.connect(a)

	on := true
	if _, _, err := f.gw.SetAutoResponse(connA, &on, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "via http"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := waitFor(t, connA, models.EventNewMessage, 2*time.Second, isSystemMessage); !ok {
		t.Fatal("api send did not trigger the auto-responder")
	}

	// No live connection, no auto-response state.
	if _, err := f.gw.PostMessage(f.ctx, b.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "offline"}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(f.metrics.AutoResponses.WithLabelValues("scheduled")); got != 1 {
		t.Fatalf("scheduled = %v, want 1", got)
	}
}

func TestAutoResponseDisabledBeforeFiringIsSkipped(t *testing.T) {
	f := newFixture(t, Options{AutoResponseDelay: 100 * time.Millisecond})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connA := f.connect(a)
	connB := f.connect(b)

	on, off := true, false
	f.gw.SetAutoResponse(connA, &on, nil)
	if _, err := f.gw.SendMessage(f.ctx, connA, models.SendMessageRequest{ChatID: chat.ID, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	enabled, _, _ := f.gw.SetAutoResponse(connA, &off, nil)
	if enabled {
		t.Fatal("still enabled")
	}
	// Re-enabling does not revive the timer armed under the old setting.
	f.gw.SetAutoResponse(connA, &on, nil)

	if _, ok := waitFor(t, connB, models.EventNewMessage, 400*time.Millisecond, isSystemMessage); ok {
		t.Fatal("auto-response fired after being disabled")
	}
	if got := testutil.ToFloat64(f.metrics.AutoResponses.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("skipped = %v", got)
	}
}

func TestDisconnectCancelsAutoResponse(t *testing.T) {
	f := newFixture(t, Options{AutoResponseDelay: 100 * time.Millisecond})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connA := f.connect(a)
	connB := f.connect(b)

	on := true
	f.gw.SetAutoResponse(connA, &on, nil)
	if _, err := f.gw.SendMessage(f.ctx, connA, models.SendMessageRequest{ChatID: chat.ID, Content: "bye"}); err != nil {
		t.Fatal(err)
	}
	if n := f.gw.PendingAutoResponses(connA); n != 1 {
		t.Fatalf("pending = %d", n)
	}
	f.gw.Disconnect(f.ctx, connA)
	if n := f.gw.PendingAutoResponses(connA); n != 0 {
		t.Fatalf("pending after disconnect = %d", n)
	}

	if _, ok := waitFor(t, connB, models.EventNewMessage, 400*time.Millisecond, isSystemMessage); ok {
		t.Fatal("auto-response fired for a disconnected connection")
	}
	msgs, _, _ := f.store.ListChatMessages(f.ctx, chat.ID, 1, 10)
	if len(msgs) != 1 {
		t.Fatalf("chat has %d messages, want 1", len(msgs))
	}
}

func TestAutoResponseStateIsPerConnection(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.user("alice")
	first := f.connect(a)
	on := true
	f.gw.SetAutoResponse(first, &on, nil)

	second := f.connect(a)
	enabled, delay, err := f.gw.SetAutoResponse(second, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if enabled || delay != 50*time.Millisecond {
		t.Fatalf("new connection settings = %v %v, want defaults", enabled, delay)
	}
}

func TestAutoResponseDelayIsBounded(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.connect(f.user("alice"))

	for _, d := range []time.Duration{-time.Second, MaxAutoResponseDelay + time.Millisecond} {
		if _, _, err := f.gw.SetAutoResponse(conn, nil, &d); !errors.Is(err, services.ErrInvalidMessage) {
			t.Fatalf("delay %v err = %v", d, err)
		}
	}
	longest := MaxAutoResponseDelay
	if _, got, err := f.gw.SetAutoResponse(conn, nil, &longest); err != nil || got != longest {
		t.Fatalf("max delay = %v, %v", got, err)
	}
}

func TestTypingReachesOthersOnly(t *testing.T) {
	f := newFixture(t, Options{})
	a, b, c := f.user("alice"), f.user("bob"), f.user("carol")
	chat := f.chat(a, b)
	connA, connB, connC := f.connect(a), f.connect(b), f.connect(c)
	drain(t, connA)
	drain(t, connB)
	drain(t, connC)

	if !f.gw.Typing(connA, chat.ID, true) {
		t.Fatal("typing rejected")
	}
	got := only(drain(t, connB), models.EventUserTyping)
	if len(got) != 1 {
		t.Fatalf("bob got %d typing frames", len(got))
	}
	var ut models.UserTyping
	if err := json.Unmarshal(got[0].Data, &ut); err != nil {
		t.Fatal(err)
	}
	if ut.UserID != a.ID || ut.UserName != "alice" || !ut.IsTyping || ut.ChatID != chat.ID {
		t.Fatalf("typing = %+v", ut)
	}
	if echo := drain(t, connA); len(echo) != 0 {
		t.Fatal("typing echoed to sender")
	}
	if leak := drain(t, connC); len(leak) != 0 {
		t.Fatal("typing leaked outside the room")
	}
	if f.gw.Typing(connC, chat.ID, true) {
		t.Fatal("typing accepted from a connection outside the room")
	}
}

func TestTypingWithoutTTLIsNotClearedOnDisconnect(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connA, connB := f.connect(a), f.connect(b)

	f.gw.Typing(connA, chat.ID, true)
	f.gw.Disconnect(f.ctx, connA)

	if _, ok := waitFor(t, connB, models.EventUserTyping, 150*time.Millisecond, func(fr frame) bool {
		var ut models.UserTyping
		return json.Unmarshal(fr.Data, &ut) == nil && !ut.IsTyping
	}); ok {
		t.Fatal("server synthesized a stop signal without a ttl")
	}
}

func TestTypingTTLSynthesizesStop(t *testing.T) {
	f := newFixture(t, Options{TypingTTL: 50 * time.Millisecond})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connA, connB := f.connect(a), f.connect(b)
	drain(t, connB)

	f.gw.Typing(connA, chat.ID, true)
	f.gw.Disconnect(f.ctx, connA)

	fr, ok := waitFor(t, connB, models.EventUserTyping, time.Second, func(fr frame) bool {
		var ut models.UserTyping
		return json.Unmarshal(fr.Data, &ut) == nil && !ut.IsTyping
	})
	if !ok {
		t.Fatal("no synthesized stop signal")
	}
	var ut models.UserTyping
	_ = json.Unmarshal(fr.Data, &ut)
	if ut.UserID != a.ID {
		t.Fatalf("stop signal for user %d", ut.UserID)
	}
}

func TestUnreadFailureDoesNotFailIngest(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connB := f.connect(b)
	drain(t, connB)

	f.unread.failIncrement = true
	msg, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "still here"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if _, err := f.store.GetMessage(f.ctx, msg.ID); err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if got := only(drain(t, connB), models.EventNewMessage); len(got) != 1 {
		t.Fatalf("broadcasts = %d", len(got))
	}
	if got := testutil.ToFloat64(f.metrics.BestEffortFailures.WithLabelValues("unread_increment")); got != 1 {
		t.Fatalf("best-effort failures = %v", got)
	}
}

func TestOfflineParticipantsAreNotified(t *testing.T) {
	f := newFixture(t, Options{})
	a, b, c := f.user("alice"), f.user("bob"), f.user("carol")
	chat := f.chat(a, b, c)
	f.connect(b)

	if _, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "psst"}); err != nil {
		t.Fatal(err)
	}
	if got := f.notifier.users(); !slices.Equal(got, []int{c.ID}) {
		t.Fatalf("notified = %v, want only carol", got)
	}
}

func TestEditAndDeleteAreSenderOnly(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	connB := f.connect(b)

	msg, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "tpyo"})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, connB)

	if _, err := f.gw.EditMessage(f.ctx, b.ID, msg.ID, "hijack"); !errors.Is(err, services.ErrNotAuthorized) {
		t.Fatalf("edit by other err = %v", err)
	}
	edited, err := f.gw.EditMessage(f.ctx, a.ID, msg.ID, "typo")
	if err != nil {
		t.Fatal(err)
	}
	if !edited.Edited || edited.Content != "typo" {
		t.Fatalf("edited = %+v", edited)
	}
	if got := only(drain(t, connB), models.EventMessageEdited); len(got) != 1 {
		t.Fatalf("messageEdited frames = %d", len(got))
	}

	if err := f.gw.DeleteMessage(f.ctx, b.ID, msg.ID); !errors.Is(err, services.ErrNotAuthorized) {
		t.Fatalf("delete by other err = %v", err)
	}
	if err := f.gw.DeleteMessage(f.ctx, a.ID, msg.ID); err != nil {
		t.Fatal(err)
	}
	if got := only(drain(t, connB), models.EventMessageDeleted); len(got) != 1 {
		t.Fatalf("messageDeleted frames = %d", len(got))
	}
	if err := f.gw.DeleteMessage(f.ctx, a.ID, msg.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	var ids []int64
	for i := 0; i < 5; i++ {
		m, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "m"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}

	page, err := f.gw.ListMessages(f.ctx, b.ID, chat.ID, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || !page.HasMore || len(page.Messages) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Messages[0].ID != ids[4] || page.Messages[1].ID != ids[3] {
		t.Fatalf("order = %d,%d", page.Messages[0].ID, page.Messages[1].ID)
	}
	last, _ := f.gw.ListMessages(f.ctx, b.ID, chat.ID, 3, 2)
	if last.HasMore || len(last.Messages) != 1 || last.Messages[0].ID != ids[0] {
		t.Fatalf("last page = %+v", last)
	}
	if _, err := f.gw.ListMessages(f.ctx, f.user("eve").ID, chat.ID, 1, 2); !errors.Is(err, services.ErrNotAuthorized) {
		t.Fatalf("outsider err = %v", err)
	}
}

func TestListMessagesPageBounds(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	chat := f.chat(a, b)
	for i := 0; i < 3; i++ {
		if _, err := f.gw.PostMessage(f.ctx, a.ID, models.SendMessageRequest{ChatID: chat.ID, Content: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	for _, page := range []int{184467440737095518, math.MaxInt} {
		if _, err := f.gw.ListMessages(f.ctx, b.ID, chat.ID, page, 50); !errors.Is(err, services.ErrInvalidMessage) {
			t.Fatalf("page %d err = %v", page, err)
		}
	}

	past, err := f.gw.ListMessages(f.ctx, b.ID, chat.ID, 7, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(past.Messages) != 0 || past.HasMore || past.Total != 3 {
		t.Fatalf("page past the end = %+v", past)
	}
	exact, _ := f.gw.ListMessages(f.ctx, b.ID, chat.ID, 1, 3)
	if exact.HasMore || len(exact.Messages) != 3 {
		t.Fatalf("single full page = %+v", exact)
	}
}

func TestSweepAwayAndTouch(t *testing.T) {
	f := newFixture(t, Options{AwayAfter: time.Minute})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.gw.now = func() time.Time { return clock }

	a, b := f.user("alice"), f.user("bob")
	connA, connB := f.connect(a), f.connect(b)

	clock = clock.Add(30 * time.Second)
	f.gw.Touch(connB)
	drain(t, connA)

	if n := f.gw.SweepAway(clock.Add(45 * time.Second)); n != 1 {
		t.Fatalf("swept %d, want only alice", n)
	}
	if st := f.gw.Presence(a.ID).Status; st != models.StatusAway {
		t.Fatalf("alice = %q", st)
	}
	if st := f.gw.Presence(b.ID).Status; st != models.StatusOnline {
		t.Fatalf("bob = %q", st)
	}
	if n := f.gw.SweepAway(clock.Add(45 * time.Second)); n != 0 {
		t.Fatalf("second sweep changed %d", n)
	}

	f.gw.Touch(connA)
	if st := f.gw.Presence(a.ID).Status; st != models.StatusOnline {
		t.Fatalf("alice after activity = %q", st)
	}
	var statuses []models.PresenceStatus
	for _, fr := range only(drain(t, connB), models.EventUserStatusUpdate) {
		var su models.UserStatusUpdate
		_ = json.Unmarshal(fr.Data, &su)
		if su.UserID == a.ID {
			statuses = append(statuses, su.Status)
		}
	}
	if !slices.Equal(statuses, []models.PresenceStatus{models.StatusAway, models.StatusOnline}) {
		t.Fatalf("alice status broadcasts = %v", statuses)
	}
}

func TestSubscribeParticipantsAddsLiveConnections(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.user("alice"), f.user("bob")
	connA := f.connect(a)

	chat := f.chat(a, b)
	if f.gw.InRoom(chat.ID, connA) {
		t.Fatal("new chat subscribed before notice")
	}
	f.gw.SubscribeParticipants(chat)
	if !f.gw.InRoom(chat.ID, connA) {
		t.Fatal("live participant not subscribed")
	}
	if members := f.gw.rooms.Members(chat.ID); len(members) != 1 {
		t.Fatalf("members = %d", len(members))
	}
}

func TestPresenceSweeperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := NewPresenceSweeper(f.gw, "every now and then"); err == nil {
		t.Fatal("expected schedule error")
	}
	s, err := NewPresenceSweeper(f.gw, "@every 1m")
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	s.Stop(time.Second)
}
