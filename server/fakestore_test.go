package main

// An in-memory store adapter for tests.

import (
	"sort"
	"sync"
	"time"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store/adapter"
	t "github.com/vertex-im/vertex/server/store/types"
)

type membershipKey struct {
	community t.CommunityId
	user      t.UserId
}

type roomStateKey struct {
	user t.UserId
	room t.RoomId
}

type fakeAdapter struct {
	mu sync.Mutex

	users       map[t.UserId]*t.User
	tokens      map[t.DeviceId]*t.Token
	admins      map[t.UserId]auth.AdminPermissionFlags
	communities map[t.CommunityId]*t.Community
	memberships map[membershipKey]bool
	rooms       map[t.RoomId]*t.Room
	messages    map[t.MessageId]*t.Message
	roomStates  map[roomStateKey]*t.UserRoomState
	invites     map[string]*t.InviteCode
	reports     int

	// queries counts store reads and writes, to verify that rate-limited
	// requests never reach the store.
	queries int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		users:       make(map[t.UserId]*t.User),
		tokens:      make(map[t.DeviceId]*t.Token),
		admins:      make(map[t.UserId]auth.AdminPermissionFlags),
		communities: make(map[t.CommunityId]*t.Community),
		memberships: make(map[membershipKey]bool),
		rooms:       make(map[t.RoomId]*t.Room),
		messages:    make(map[t.MessageId]*t.Message),
		roomStates:  make(map[roomStateKey]*t.UserRoomState),
		invites:     make(map[string]*t.InviteCode),
	}
}

func (f *fakeAdapter) Open(string) error { return nil }
func (f *fakeAdapter) Close() error      { return nil }
func (f *fakeAdapter) IsOpen() bool      { return true }
func (f *fakeAdapter) GetName() string   { return "fake" }
func (f *fakeAdapter) CreateDb(bool) error {
	return nil
}

func (f *fakeAdapter) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeAdapter) UserCreate(user *t.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	for _, u := range f.users {
		if u.Username == user.Username {
			return t.ErrDuplicate
		}
	}
	clone := *user
	f.users[user.Id] = &clone
	return nil
}

func (f *fakeAdapter) UserGet(id t.UserId) (*t.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if u, ok := f.users[id]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeAdapter) UserGetByUsername(username string) (*t.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	for _, u := range f.users {
		if u.Username == username {
			clone := *u
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeAdapter) UserChangeUsername(id t.UserId, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	u, ok := f.users[id]
	if !ok {
		return t.ErrNotFound
	}
	for _, other := range f.users {
		if other.Id != id && other.Username == username {
			return t.ErrDuplicate
		}
	}
	u.Username = username
	u.ProfileVersion++
	return nil
}

func (f *fakeAdapter) UserChangeDisplayName(id t.UserId, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	u, ok := f.users[id]
	if !ok {
		return t.ErrNotFound
	}
	u.DisplayName = displayName
	u.ProfileVersion++
	return nil
}

func (f *fakeAdapter) UserChangePassword(id t.UserId, hash string, scheme auth.HashSchemeVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	u, ok := f.users[id]
	if !ok {
		return t.ErrNotFound
	}
	u.PasswordHash = hash
	u.HashScheme = scheme
	u.Compromised = false
	return nil
}

func (f *fakeAdapter) UserSetBanned(id t.UserId, banned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	u, ok := f.users[id]
	if !ok {
		return t.ErrNotFound
	}
	u.Banned = banned
	return nil
}

func (f *fakeAdapter) TokenCreate(token *t.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if _, ok := f.tokens[token.Device]; ok {
		return t.ErrDuplicate
	}
	clone := *token
	f.tokens[token.Device] = &clone
	return nil
}

func (f *fakeAdapter) TokenGet(device t.DeviceId) (*t.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if token, ok := f.tokens[device]; ok {
		clone := *token
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeAdapter) TokenDelete(device t.DeviceId) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if _, ok := f.tokens[device]; !ok {
		return false, nil
	}
	delete(f.tokens, device)
	return true, nil
}

func (f *fakeAdapter) TokenRefresh(device t.DeviceId, when time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	token, ok := f.tokens[device]
	if !ok {
		return false, nil
	}
	token.LastUsed = when
	return true, nil
}

func (f *fakeAdapter) TokenDeleteForUser(user t.UserId, except t.DeviceId) ([]t.DeviceId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var devices []t.DeviceId
	for device, token := range f.tokens {
		if token.User == user && device != except {
			devices = append(devices, device)
			delete(f.tokens, device)
		}
	}
	return devices, nil
}

func (f *fakeAdapter) TokenDeleteExpired(now time.Time, expiryDays int) ([]adapter.TokenOwner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var owners []adapter.TokenOwner
	for device, token := range f.tokens {
		if token.Expired(now, expiryDays) {
			owners = append(owners, adapter.TokenOwner{User: token.User, Device: device})
			delete(f.tokens, device)
		}
	}
	return owners, nil
}

func (f *fakeAdapter) AdminUpsert(user t.UserId, perms auth.AdminPermissionFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if _, ok := f.users[user]; !ok {
		return t.ErrNotFound
	}
	f.admins[user] = perms
	return nil
}

func (f *fakeAdapter) AdminDelete(user t.UserId) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if _, ok := f.admins[user]; !ok {
		return false, nil
	}
	delete(f.admins, user)
	return true, nil
}

func (f *fakeAdapter) AdminGet(user t.UserId) (auth.AdminPermissionFlags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.admins[user], nil
}

func (f *fakeAdapter) CommunityCreate(community *t.Community) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	clone := *community
	f.communities[community.Id] = &clone
	return nil
}

func (f *fakeAdapter) CommunityGet(id t.CommunityId) (*t.Community, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if c, ok := f.communities[id]; ok {
		clone := *c
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeAdapter) CommunityGetAll() ([]t.Community, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	all := make([]t.Community, 0, len(f.communities))
	for _, c := range f.communities {
		all = append(all, *c)
	}
	return all, nil
}

func (f *fakeAdapter) MembershipCreate(community t.CommunityId, user t.UserId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if _, ok := f.communities[community]; !ok {
		return t.ErrNotFound
	}
	if _, ok := f.users[user]; !ok {
		return t.ErrNotFound
	}
	key := membershipKey{community, user}
	if f.memberships[key] {
		return t.ErrDuplicate
	}
	f.memberships[key] = true
	return nil
}

func (f *fakeAdapter) MembershipExists(community t.CommunityId, user t.UserId) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.memberships[membershipKey{community, user}], nil
}

func (f *fakeAdapter) CommunitiesForUser(user t.UserId) ([]t.Community, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var result []t.Community
	for key := range f.memberships {
		if key.user == user {
			if c, ok := f.communities[key.community]; ok {
				result = append(result, *c)
			}
		}
	}
	return result, nil
}

func (f *fakeAdapter) RoomCreate(room *t.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if _, ok := f.communities[room.Community]; !ok {
		return t.ErrNotFound
	}
	clone := *room
	f.rooms[room.Id] = &clone
	return nil
}

func (f *fakeAdapter) RoomGet(id t.RoomId) (*t.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if room, ok := f.rooms[id]; ok {
		clone := *room
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeAdapter) RoomsForCommunity(community t.CommunityId) ([]t.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var result []t.Room
	for _, room := range f.rooms {
		if room.Community == community {
			result = append(result, *room)
		}
	}
	return result, nil
}

func (f *fakeAdapter) MessageSave(msg *t.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	clone := *msg
	f.messages[msg.Id] = &clone
	return nil
}

func (f *fakeAdapter) MessageGet(id t.MessageId) (*t.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if msg, ok := f.messages[id]; ok {
		clone := *msg
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeAdapter) MessageUpdateContent(id t.MessageId, content string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	msg, ok := f.messages[id]
	if !ok {
		return false, nil
	}
	msg.Content = content
	msg.Edited = true
	return true, nil
}

func (f *fakeAdapter) MessageDelete(id t.MessageId) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if _, ok := f.messages[id]; !ok {
		return false, nil
	}
	delete(f.messages, id)
	return true, nil
}

// roomMessages returns the room's messages sorted oldest to newest.
func (f *fakeAdapter) roomMessages(community t.CommunityId, room t.RoomId) []t.Message {
	var result []t.Message
	for _, msg := range f.messages {
		if msg.Community == community && msg.Room == room {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result
}

func reverse(messages []t.Message) []t.Message {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages
}

func (f *fakeAdapter) MessageGetSlice(community t.CommunityId, room t.RoomId,
	sel t.MessageSelector, count int) ([]t.Message, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	if !sel.Valid() || count <= 0 {
		return nil, t.ErrInvalidSelector
	}

	var reference t.MessageId
	switch {
	case sel.Before != nil:
		reference = sel.Before.Id
	case sel.After != nil:
		reference = sel.After.Id
	default:
		reference = *sel.Around
	}
	if ref, ok := f.messages[reference]; !ok || ref.Community != community || ref.Room != room {
		return nil, t.ErrInvalidSelector
	}

	ordered := f.roomMessages(community, room)

	var result []t.Message
	switch {
	case sel.Before != nil:
		for i := len(ordered) - 1; i >= 0 && len(result) < count; i-- {
			id := ordered[i].Id
			if id < reference || (sel.Before.Inclusive && id == reference) {
				result = append(result, ordered[i])
			}
		}
	case sel.After != nil:
		for i := 0; i < len(ordered) && len(result) < count; i++ {
			id := ordered[i].Id
			if id > reference || (sel.After.Inclusive && id == reference) {
				result = append(result, ordered[i])
			}
		}
		result = reverse(result)
	default:
		after := count / 2
		before := count - after
		var older, newer []t.Message
		for i := len(ordered) - 1; i >= 0 && len(older) < before; i-- {
			if ordered[i].Id <= reference {
				older = append(older, ordered[i])
			}
		}
		for i := 0; i < len(ordered) && len(newer) < after; i++ {
			if ordered[i].Id > reference {
				newer = append(newer, ordered[i])
			}
		}
		result = append(reverse(newer), older...)
	}
	return result, nil
}

func (f *fakeAdapter) MessageNewest(community t.CommunityId, room t.RoomId) (t.MessageId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var newest t.MessageId
	for _, msg := range f.messages {
		if msg.Community == community && msg.Room == room && msg.Id > newest {
			newest = msg.Id
		}
	}
	return newest, nil
}

func (f *fakeAdapter) MessageReport(t.UserId, t.MessageId, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	f.reports++
	return nil
}

func (f *fakeAdapter) RoomStateGet(user t.UserId, room t.RoomId) (*t.UserRoomState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if state, ok := f.roomStates[roomStateKey{user, room}]; ok {
		clone := *state
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeAdapter) stateFor(user t.UserId, room t.RoomId) *t.UserRoomState {
	key := roomStateKey{user, room}
	state, ok := f.roomStates[key]
	if !ok {
		state = &t.UserRoomState{User: user, Room: room}
		f.roomStates[key] = state
	}
	return state
}

func (f *fakeAdapter) RoomStateSetLastRead(user t.UserId, room t.RoomId, mid t.MessageId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	f.stateFor(user, room).LastRead = mid
	return nil
}

func (f *fakeAdapter) RoomStateSetWatch(user t.UserId, room t.RoomId, level t.WatchLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	f.stateFor(user, room).Watch = level
	return nil
}

func (f *fakeAdapter) RoomStatesForUser(user t.UserId, community t.CommunityId) ([]t.UserRoomState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var result []t.UserRoomState
	for key, state := range f.roomStates {
		if key.user != user {
			continue
		}
		if room, ok := f.rooms[key.room]; ok && room.Community == community {
			result = append(result, *state)
		}
	}
	return result, nil
}

func (f *fakeAdapter) InviteCreate(invite *t.InviteCode, max int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	active := 0
	for _, existing := range f.invites {
		if existing.Community == invite.Community {
			active++
		}
	}
	if active >= max {
		return t.ErrTooManyInviteCodes
	}
	if _, ok := f.invites[invite.Code]; ok {
		return t.ErrDuplicate
	}
	clone := *invite
	f.invites[invite.Code] = &clone
	return nil
}

func (f *fakeAdapter) InviteGet(code string) (*t.InviteCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	invite, ok := f.invites[code]
	if !ok {
		return nil, nil
	}
	if invite.ExpirationDate != nil && invite.ExpirationDate.Before(time.Now()) {
		return nil, nil
	}
	clone := *invite
	return &clone, nil
}

func (f *fakeAdapter) InviteDeleteExpired(now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	for code, invite := range f.invites {
		if invite.ExpirationDate != nil && invite.ExpirationDate.Before(now) {
			delete(f.invites, code)
		}
	}
	return nil
}
