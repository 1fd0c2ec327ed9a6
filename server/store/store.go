// Package store is the persistence facade. It hides the database adapter
// behind typed object mappers: store.Users, store.Tokens, store.Communities
// and so on.
package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/tinode/snowflake"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store/adapter"
	t "github.com/vertex-im/vertex/server/store/types"
)

var adp adapter.Adapter

// Message ids must be time-ordered; a snowflake generator provides them.
var midGen *snowflake.SnowFlake

var availableAdapters = make(map[string]adapter.Adapter)

type configType struct {
	// The adapter to use, e.g. "mysql".
	UseAdapter string `json:"use_adapter"`
	// Configuration passed to the adapter verbatim.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// Open initializes the storage system: picks the configured adapter, opens
// it and seeds the message id generator.
func Open(workerID int, jsonconf string) error {
	var config configType
	if err := json.Unmarshal([]byte(jsonconf), &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error())
	}

	if adp != nil {
		return errors.New("store: already initialized")
	}
	a, ok := availableAdapters[config.UseAdapter]
	if !ok {
		return errors.New("store: unknown adapter '" + config.UseAdapter + "'")
	}
	adp = a

	var adapterConfig string
	if raw, ok := config.Adapters[config.UseAdapter]; ok {
		adapterConfig = string(raw)
	}
	if err := adp.Open(adapterConfig); err != nil {
		return err
	}

	var err error
	midGen, err = snowflake.NewSnowFlake(uint32(workerID))
	return err
}

// Close terminates the connection to the persistent storage.
func Close() error {
	if adp == nil || !adp.IsOpen() {
		return nil
	}
	return adp.Close()
}

// RegisterAdapter makes an adapter available to Open by name.
func RegisterAdapter(name string, a adapter.Adapter) {
	if a == nil {
		panic("store: register adapter is nil")
	}
	if _, dup := availableAdapters[name]; dup {
		panic("store: adapter '" + name + "' is already registered")
	}
	availableAdapters[name] = a
}

// InitTestAdapter installs an adapter directly, bypassing Open. Tests only.
func InitTestAdapter(a adapter.Adapter) {
	adp = a
	if midGen == nil {
		midGen, _ = snowflake.NewSnowFlake(1)
	}
}

// CreateDb creates the schema on the opened adapter.
func CreateDb(reset bool) error {
	return adp.CreateDb(reset)
}

// NextMessageId returns a fresh time-ordered message id.
func NextMessageId() t.MessageId {
	id, _ := midGen.Next()
	return t.MessageId(id)
}

// Users is the mapper for user objects.
var Users UsersObjMapper

// UsersObjMapper is a thin wrapper for methods on user records.
type UsersObjMapper struct{}

// Create inserts a new user. Returns types.ErrDuplicate when the username is
// taken.
func (UsersObjMapper) Create(user *t.User) error {
	if user.Id.IsZero() {
		user.Id = t.NewUserId()
	}
	return adp.UserCreate(user)
}

func (UsersObjMapper) Get(id t.UserId) (*t.User, error) {
	return adp.UserGet(id)
}

func (UsersObjMapper) GetByUsername(username string) (*t.User, error) {
	return adp.UserGetByUsername(username)
}

func (UsersObjMapper) ChangeUsername(id t.UserId, username string) error {
	return adp.UserChangeUsername(id, username)
}

func (UsersObjMapper) ChangeDisplayName(id t.UserId, displayName string) error {
	return adp.UserChangeDisplayName(id, displayName)
}

func (UsersObjMapper) ChangePassword(id t.UserId, hash string, scheme auth.HashSchemeVersion) error {
	return adp.UserChangePassword(id, hash, scheme)
}

func (UsersObjMapper) SetBanned(id t.UserId, banned bool) error {
	return adp.UserSetBanned(id, banned)
}

// Tokens is the mapper for login token objects.
var Tokens TokensObjMapper

// TokensObjMapper is a thin wrapper for methods on token records.
type TokensObjMapper struct{}

func (TokensObjMapper) Create(token *t.Token) error {
	return adp.TokenCreate(token)
}

func (TokensObjMapper) Get(device t.DeviceId) (*t.Token, error) {
	return adp.TokenGet(device)
}

func (TokensObjMapper) Delete(device t.DeviceId) (bool, error) {
	return adp.TokenDelete(device)
}

func (TokensObjMapper) Refresh(device t.DeviceId, when time.Time) (bool, error) {
	return adp.TokenRefresh(device, when)
}

func (TokensObjMapper) DeleteForUser(user t.UserId, except t.DeviceId) ([]t.DeviceId, error) {
	return adp.TokenDeleteForUser(user, except)
}

func (TokensObjMapper) DeleteExpired(now time.Time, expiryDays int) ([]adapter.TokenOwner, error) {
	return adp.TokenDeleteExpired(now, expiryDays)
}

// Admins is the mapper for administrator records.
var Admins AdminsObjMapper

// AdminsObjMapper is a thin wrapper for methods on admin records.
type AdminsObjMapper struct{}

func (AdminsObjMapper) Upsert(user t.UserId, perms auth.AdminPermissionFlags) error {
	return adp.AdminUpsert(user, perms)
}

func (AdminsObjMapper) Delete(user t.UserId) (bool, error) {
	return adp.AdminDelete(user)
}

func (AdminsObjMapper) Get(user t.UserId) (auth.AdminPermissionFlags, error) {
	return adp.AdminGet(user)
}

// Communities is the mapper for community and membership objects.
var Communities CommunitiesObjMapper

// CommunitiesObjMapper is a thin wrapper for methods on community records.
type CommunitiesObjMapper struct{}

func (CommunitiesObjMapper) Create(community *t.Community) error {
	if community.Id.IsZero() {
		community.Id = t.NewCommunityId()
	}
	return adp.CommunityCreate(community)
}

func (CommunitiesObjMapper) Get(id t.CommunityId) (*t.Community, error) {
	return adp.CommunityGet(id)
}

func (CommunitiesObjMapper) GetAll() ([]t.Community, error) {
	return adp.CommunityGetAll()
}

func (CommunitiesObjMapper) AddMember(community t.CommunityId, user t.UserId) error {
	return adp.MembershipCreate(community, user)
}

func (CommunitiesObjMapper) IsMember(community t.CommunityId, user t.UserId) (bool, error) {
	return adp.MembershipExists(community, user)
}

func (CommunitiesObjMapper) ForUser(user t.UserId) ([]t.Community, error) {
	return adp.CommunitiesForUser(user)
}

// Rooms is the mapper for room objects.
var Rooms RoomsObjMapper

// RoomsObjMapper is a thin wrapper for methods on room records.
type RoomsObjMapper struct{}

func (RoomsObjMapper) Create(room *t.Room) error {
	if room.Id.IsZero() {
		room.Id = t.NewRoomId()
	}
	return adp.RoomCreate(room)
}

func (RoomsObjMapper) Get(id t.RoomId) (*t.Room, error) {
	return adp.RoomGet(id)
}

func (RoomsObjMapper) ForCommunity(community t.CommunityId) ([]t.Room, error) {
	return adp.RoomsForCommunity(community)
}

// Messages is the mapper for message objects.
var Messages MessagesObjMapper

// MessagesObjMapper is a thin wrapper for methods on message records.
type MessagesObjMapper struct{}

// Save assigns a time-ordered id and timestamp to the message and persists
// it.
func (MessagesObjMapper) Save(msg *t.Message) error {
	if msg.Id.IsZero() {
		msg.Id = NextMessageId()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC().Round(time.Millisecond)
	}
	return adp.MessageSave(msg)
}

func (MessagesObjMapper) Get(id t.MessageId) (*t.Message, error) {
	return adp.MessageGet(id)
}

func (MessagesObjMapper) UpdateContent(id t.MessageId, content string) (bool, error) {
	return adp.MessageUpdateContent(id, content)
}

func (MessagesObjMapper) Delete(id t.MessageId) (bool, error) {
	return adp.MessageDelete(id)
}

// GetSlice returns up to count messages selected relative to a reference
// message, newest to oldest.
func (MessagesObjMapper) GetSlice(community t.CommunityId, room t.RoomId,
	sel t.MessageSelector, count int) ([]t.Message, error) {
	return adp.MessageGetSlice(community, room, sel, count)
}

func (MessagesObjMapper) Newest(community t.CommunityId, room t.RoomId) (t.MessageId, error) {
	return adp.MessageNewest(community, room)
}

func (MessagesObjMapper) Report(reporter t.UserId, msg t.MessageId, reason string) error {
	return adp.MessageReport(reporter, msg, reason)
}

// RoomUpdate computes the catch-up payload for one room: the reader's
// last-read marker plus new messages since lastReceived. The batch is
// continuous iff fewer than count messages were fetched.
func (MessagesObjMapper) RoomUpdate(user t.UserId, community t.CommunityId, room t.RoomId,
	lastReceived t.MessageId, count int) (*t.RoomUpdate, error) {

	var lastRead t.MessageId
	if state, err := adp.RoomStateGet(user, room); err != nil {
		return nil, err
	} else if state != nil {
		lastRead = state.LastRead
	}

	var sel t.MessageSelector
	if !lastReceived.IsZero() {
		sel.After = &t.Bound{Id: lastReceived, Inclusive: false}
	} else {
		newest, err := adp.MessageNewest(community, room)
		if err != nil {
			return nil, err
		}
		if newest.IsZero() {
			// Empty room: trivially continuous.
			return &t.RoomUpdate{LastRead: lastRead, Continuous: true}, nil
		}
		sel.Before = &t.Bound{Id: newest, Inclusive: true}
	}

	messages, err := adp.MessageGetSlice(community, room, sel, count)
	if err != nil {
		return nil, err
	}

	return &t.RoomUpdate{
		LastRead:    lastRead,
		Continuous:  len(messages) < count,
		NewMessages: messages,
	}, nil
}

// RoomStates is the mapper for per-(user, room) state.
var RoomStates RoomStatesObjMapper

// RoomStatesObjMapper is a thin wrapper for methods on room state records.
type RoomStatesObjMapper struct{}

func (RoomStatesObjMapper) Get(user t.UserId, room t.RoomId) (*t.UserRoomState, error) {
	return adp.RoomStateGet(user, room)
}

func (RoomStatesObjMapper) SetLastRead(user t.UserId, room t.RoomId, mid t.MessageId) error {
	return adp.RoomStateSetLastRead(user, room, mid)
}

func (RoomStatesObjMapper) SetWatch(user t.UserId, room t.RoomId, level t.WatchLevel) error {
	return adp.RoomStateSetWatch(user, room, level)
}

func (RoomStatesObjMapper) ForUser(user t.UserId, community t.CommunityId) ([]t.UserRoomState, error) {
	return adp.RoomStatesForUser(user, community)
}

// InviteCodes is the mapper for invite code objects.
var InviteCodes InviteCodesObjMapper

// InviteCodesObjMapper is a thin wrapper for methods on invite codes.
type InviteCodesObjMapper struct{}

// Collisions on an 8-byte random code are vanishingly rare; a few retries
// are plenty.
const inviteCreateAttempts = 4

// Create generates a short URL-safe code for the community and persists it.
// Returns types.ErrTooManyInviteCodes when the community holds max active
// codes.
func (InviteCodesObjMapper) Create(community t.CommunityId, expires *time.Time, max int) (*t.InviteCode, error) {
	for i := 0; i < inviteCreateAttempts; i++ {
		code, err := genInviteCode()
		if err != nil {
			return nil, err
		}
		invite := &t.InviteCode{
			Code:           code,
			Community:      community,
			ExpirationDate: expires,
		}
		err = adp.InviteCreate(invite, max)
		if err == t.ErrDuplicate {
			continue
		}
		if err != nil {
			return nil, err
		}
		return invite, nil
	}
	return nil, errors.New("store: invite code collisions exhausted retries")
}

func (InviteCodesObjMapper) Get(code string) (*t.InviteCode, error) {
	if len(code) > t.MaxInviteCodeLen {
		return nil, nil
	}
	return adp.InviteGet(code)
}

func (InviteCodesObjMapper) DeleteExpired(now time.Time) error {
	return adp.InviteDeleteExpired(now)
}

func genInviteCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
