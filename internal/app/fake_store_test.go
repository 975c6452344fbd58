package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"mychat/api/internal/config"
	"mychat/api/internal/realtime"
	"mychat/api/internal/store"
)

// fakeStore is an in-memory DataStore and SessionStore. The fn fields
// override individual operations.
type fakeStore struct {
	mu              sync.Mutex
	nextID          int64
	now             time.Time
	users           map[int64]store.User
	rooms           map[int64]store.Room
	messages        map[int64]store.Message
	directMessages  map[int64]store.DirectMessage
	mentions        []store.Mention
	refreshSessions map[string]int64
	revoked         map[string]bool

	pingFn          func(context.Context) error
	insertMessageFn func(context.Context, store.Message) (store.Message, error)
	upsertGoogleFn  func(context.Context, store.GoogleProfile) (store.User, bool, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:          100,
		now:             time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
		users:           map[int64]store.User{},
		rooms:           map[int64]store.Room{},
		messages:        map[int64]store.Message{},
		directMessages:  map[int64]store.DirectMessage{},
		refreshSessions: map[string]int64{},
		revoked:         map[string]bool{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) addUser(id int64, username, role string) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := store.User{ID: id, Username: username, Email: strings.ToLower(strings.ReplaceAll(username, " ", ".")) + "@netnode.ag", Role: role, CreatedAt: f.now}
	f.users[id] = user
	return user
}

func (f *fakeStore) addRoom(id int64, name string) store.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := store.Room{ID: id, Name: name, CreatedAt: f.now}
	f.rooms[id] = room
	return room
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID > users[j].ID })
	return users, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) || existing.Username == user.Username {
			return store.User{}, store.ErrConflict
		}
	}
	user.ID = f.id()
	user.CreatedAt = f.now
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, id int64, update store.UserUpdate) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	if update.Email != nil {
		for otherID, other := range f.users {
			if otherID != id && strings.EqualFold(other.Email, *update.Email) {
				return store.User{}, store.ErrConflict
			}
		}
		user.Email = *update.Email
	}
	if update.Username != nil {
		user.Username = *update.Username
	}
	if update.Role != nil {
		user.Role = *update.Role
	}
	if update.PasswordHash != nil {
		user.PasswordHash = *update.PasswordHash
	}
	f.users[id] = user
	return user, nil
}

func (f *fakeStore) DeleteUser(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.users, id)
	return nil
}

func (f *fakeStore) UpsertGoogleUser(ctx context.Context, profile store.GoogleProfile) (store.User, bool, error) {
	if f.upsertGoogleFn != nil {
		return f.upsertGoogleFn(ctx, profile)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if strings.EqualFold(user.Email, profile.Email) {
			user.GoogleID = profile.Subject
			user.AvatarURL = profile.Picture
			f.users[id] = user
			return user, false, nil
		}
	}
	user := store.User{ID: f.id(), Username: profile.Name, Email: profile.Email, GoogleID: profile.Subject, Role: "user", CreatedAt: f.now}
	f.users[user.ID] = user
	return user, true, nil
}

func (f *fakeStore) ListRooms(context.Context) ([]store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rooms := make([]store.Room, 0, len(f.rooms))
	for _, room := range f.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

func (f *fakeStore) GetRoom(_ context.Context, id int64) (store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		return store.Room{}, sql.ErrNoRows
	}
	return room, nil
}

func (f *fakeStore) CreateRoom(_ context.Context, name, description string) (store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, room := range f.rooms {
		if room.Name == name {
			return store.Room{}, store.ErrConflict
		}
	}
	room := store.Room{ID: f.id(), Name: name, Description: description, CreatedAt: f.now}
	f.rooms[room.ID] = room
	return room, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = f.id()
	msg.CreatedAt = f.now.Add(time.Duration(msg.ID) * time.Second)
	msg.Username = f.users[msg.SenderID].Username
	f.messages[msg.ID] = msg
	return msg, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id int64) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return store.Message{}, sql.ErrNoRows
	}
	return msg, nil
}

func (f *fakeStore) filterMessages(keep func(store.Message) bool) []store.Message {
	out := make([]store.Message, 0)
	for _, msg := range f.messages {
		if keep(msg) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) ListRoomMessages(_ context.Context, roomID int64) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filterMessages(func(m store.Message) bool { return m.RoomID == roomID && m.ParentMessageID == nil }), nil
}

func (f *fakeStore) ListThreadReplies(_ context.Context, parentID int64) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filterMessages(func(m store.Message) bool { return m.ParentMessageID != nil && *m.ParentMessageID == parentID }), nil
}

func (f *fakeStore) ThreadStats(ctx context.Context, parentID int64) (int, time.Time, error) {
	replies, _ := f.ListThreadReplies(ctx, parentID)
	if len(replies) == 0 {
		return 0, time.Time{}, nil
	}
	return len(replies), replies[len(replies)-1].CreatedAt, nil
}

func (f *fakeStore) InsertDirectMessage(_ context.Context, msg store.DirectMessage) (store.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = f.id()
	msg.CreatedAt = f.now.Add(time.Duration(msg.ID) * time.Second)
	msg.SenderUsername = f.users[msg.SenderID].Username
	msg.ReceiverUsername = f.users[msg.ReceiverID].Username
	f.directMessages[msg.ID] = msg
	return msg, nil
}

func (f *fakeStore) ListDirectMessages(_ context.Context, a, b int64) ([]store.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.DirectMessage, 0)
	for _, msg := range f.directMessages {
		if (msg.SenderID == a && msg.ReceiverID == b) || (msg.SenderID == b && msg.ReceiverID == a) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) InsertMentions(_ context.Context, mentions []store.Mention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mentions = append(f.mentions, mentions...)
	return nil
}

func (f *fakeStore) MentionCounts(_ context.Context, userID int64) (store.MentionCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := store.MentionCounts{Rooms: map[int64]int{}, DirectMessages: map[int64]int{}}
	for _, m := range f.mentions {
		if m.UserID != userID || m.ReadAt != nil {
			continue
		}
		if m.RoomID != nil {
			counts.Rooms[*m.RoomID]++
		} else if m.DirectMessageID != nil {
			counts.DirectMessages[m.SenderID]++
		}
	}
	return counts, nil
}

func (f *fakeStore) markRead(match func(store.Mention) bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := f.now
	for i := range f.mentions {
		if f.mentions[i].ReadAt == nil && match(f.mentions[i]) {
			f.mentions[i].ReadAt = &now
			n++
		}
	}
	return n
}

func (f *fakeStore) MarkRoomMentionsRead(_ context.Context, userID, roomID int64) (int64, error) {
	return f.markRead(func(m store.Mention) bool {
		return m.UserID == userID && m.RoomID != nil && *m.RoomID == roomID
	}), nil
}

func (f *fakeStore) MarkDirectMentionsRead(_ context.Context, userID, senderID int64) (int64, error) {
	return f.markRead(func(m store.Mention) bool {
		return m.UserID == userID && m.SenderID == senderID && m.DirectMessageID != nil
	}), nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash string, userID int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshSessions[hash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, hash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refreshSessions[hash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refreshSessions, hash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type publishedEvent struct {
	Channel string
	Name    string
	Data    any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, channel, name string, data any) (realtime.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Channel: channel, Name: name, Data: data})
	return realtime.NewEvent(channel, name, data)
}

func (p *fakePublisher) named(name string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		AppURL:     "http://app.test",
	}
}

func newTestService(fs *fakeStore, deps Deps) *Service {
	deps.Store = fs
	return New(testConfig(), deps)
}

func bearerFor(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return "Bearer " + session.Token
}
