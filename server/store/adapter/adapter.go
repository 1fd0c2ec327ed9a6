// Package adapter contains the interfaces to be implemented by the database
// adapter.
package adapter

import (
	"time"

	"github.com/vertex-im/vertex/server/auth"
	t "github.com/vertex-im/vertex/server/store/types"
)

// TokenOwner identifies the session bound to a swept token.
type TokenOwner struct {
	User   t.UserId
	Device t.DeviceId
}

// Adapter is the interface that must be implemented by a database adapter.
// Lookup methods return (nil, nil) when the object does not exist; mutation
// methods return the typed errors documented per method.
type Adapter interface {
	// General

	// Open and configure the adapter.
	Open(config string) error
	// Close the adapter.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the name of the adapter.
	GetName() string
	// CreateDb creates the schema, optionally dropping an existing one first.
	CreateDb(reset bool) error

	// Users

	// UserCreate inserts a user record. Returns types.ErrDuplicate when the
	// username is already taken.
	UserCreate(user *t.User) error
	// UserGet returns a user by id.
	UserGet(id t.UserId) (*t.User, error)
	// UserGetByUsername returns a user by canonical username.
	UserGetByUsername(username string) (*t.User, error)
	// UserChangeUsername updates the username and bumps profile_version.
	// Returns types.ErrDuplicate on conflict, types.ErrNotFound when the
	// user is gone.
	UserChangeUsername(id t.UserId, username string) error
	// UserChangeDisplayName updates the display name and bumps
	// profile_version. Returns types.ErrNotFound when the user is gone.
	UserChangeDisplayName(id t.UserId, displayName string) error
	// UserChangePassword replaces the password hash and clears the
	// compromised flag.
	UserChangePassword(id t.UserId, hash string, scheme auth.HashSchemeVersion) error
	// UserSetBanned flips the banned flag.
	UserSetBanned(id t.UserId, banned bool) error

	// Login tokens

	// TokenCreate inserts a token record.
	TokenCreate(token *t.Token) error
	// TokenGet returns a token by device id.
	TokenGet(device t.DeviceId) (*t.Token, error)
	// TokenDelete removes a token; reports whether it existed.
	TokenDelete(device t.DeviceId) (bool, error)
	// TokenRefresh updates last_used; reports whether the token existed.
	TokenRefresh(device t.DeviceId, when time.Time) (bool, error)
	// TokenDeleteForUser removes all of a user's tokens except the given
	// device (zero device removes all), returning the affected devices.
	TokenDeleteForUser(user t.UserId, except t.DeviceId) ([]t.DeviceId, error)
	// TokenDeleteExpired removes tokens past their expiration date or idle
	// longer than expiryDays, returning their owners for session teardown.
	TokenDeleteExpired(now time.Time, expiryDays int) ([]TokenOwner, error)

	// Administrators

	// AdminUpsert sets a user's admin permission flags.
	AdminUpsert(user t.UserId, perms auth.AdminPermissionFlags) error
	// AdminDelete clears a user's admin record; reports whether it existed.
	AdminDelete(user t.UserId) (bool, error)
	// AdminGet returns a user's admin permission flags, zero when the user
	// is not an administrator.
	AdminGet(user t.UserId) (auth.AdminPermissionFlags, error)

	// Communities and membership

	// CommunityCreate inserts a community record.
	CommunityCreate(community *t.Community) error
	// CommunityGet returns a community by id.
	CommunityGet(id t.CommunityId) (*t.Community, error)
	// CommunityGetAll returns all communities. Used at boot.
	CommunityGetAll() ([]t.Community, error)
	// MembershipCreate inserts a membership row. Returns types.ErrDuplicate
	// when the user is already a member, types.ErrNotFound when either side
	// is gone.
	MembershipCreate(community t.CommunityId, user t.UserId) error
	// MembershipExists reports whether the user is a member.
	MembershipExists(community t.CommunityId, user t.UserId) (bool, error)
	// CommunitiesForUser returns the communities a user belongs to.
	CommunitiesForUser(user t.UserId) ([]t.Community, error)

	// Rooms

	// RoomCreate inserts a room record.
	RoomCreate(room *t.Room) error
	// RoomGet returns a room by id.
	RoomGet(id t.RoomId) (*t.Room, error)
	// RoomsForCommunity returns a community's rooms.
	RoomsForCommunity(community t.CommunityId) ([]t.Room, error)

	// Messages

	// MessageSave inserts a message record.
	MessageSave(msg *t.Message) error
	// MessageGet returns a message by id.
	MessageGet(id t.MessageId) (*t.Message, error)
	// MessageUpdateContent replaces a message body and marks it edited;
	// reports whether the message existed.
	MessageUpdateContent(id t.MessageId, content string) (bool, error)
	// MessageDelete removes a message; reports whether it existed.
	MessageDelete(id t.MessageId) (bool, error)
	// MessageGetSlice returns up to count messages of a room selected
	// relative to a reference message, newest to oldest. Returns
	// types.ErrInvalidSelector when the reference message is absent.
	MessageGetSlice(community t.CommunityId, room t.RoomId, sel t.MessageSelector, count int) ([]t.Message, error)
	// MessageNewest returns the id of the room's newest message, zero when
	// the room is empty.
	MessageNewest(community t.CommunityId, room t.RoomId) (t.MessageId, error)
	// MessageReport records a message report for admin review.
	MessageReport(reporter t.UserId, msg t.MessageId, reason string) error

	// Per-(user, room) state

	// RoomStateGet returns the state row, nil when absent.
	RoomStateGet(user t.UserId, room t.RoomId) (*t.UserRoomState, error)
	// RoomStateSetLastRead upserts last_read_message for (user, room).
	RoomStateSetLastRead(user t.UserId, room t.RoomId, mid t.MessageId) error
	// RoomStateSetWatch upserts watch_level for (user, room).
	RoomStateSetWatch(user t.UserId, room t.RoomId, level t.WatchLevel) error
	// RoomStatesForUser returns the user's state rows for one community.
	RoomStatesForUser(user t.UserId, community t.CommunityId) ([]t.UserRoomState, error)

	// Invite codes

	// InviteCreate inserts an invite code unless the community already has
	// max active codes. Returns types.ErrTooManyInviteCodes at the cap and
	// types.ErrDuplicate on a code collision.
	InviteCreate(invite *t.InviteCode, max int) error
	// InviteGet resolves a code, nil when absent or expired.
	InviteGet(code string) (*t.InviteCode, error)
	// InviteDeleteExpired removes codes past their expiration date.
	InviteDeleteExpired(now time.Time) error
}
