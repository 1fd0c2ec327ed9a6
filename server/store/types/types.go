// Package types defines the entities shared between the server runtime and
// the database adapters.
package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vertex-im/vertex/server/auth"
)

// Store errors. Adapters translate driver failures into these where a
// contract names one; anything else is an internal error.
var (
	// ErrNotFound: the referenced object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate: insert would violate a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate object")
	// ErrInvalidSelector: a message selector references an absent message.
	ErrInvalidSelector = errors.New("invalid message selector")
	// ErrTooManyInviteCodes: the community is at its invite code cap.
	ErrTooManyInviteCodes = errors.New("too many invite codes")
)

// UserId is an opaque 128-bit user identifier.
type UserId struct{ uuid.UUID }

// DeviceId is an opaque 128-bit device identifier. Devices are the unit of
// token issuance and rate limiting.
type DeviceId struct{ uuid.UUID }

// CommunityId is an opaque 128-bit community identifier.
type CommunityId struct{ uuid.UUID }

// RoomId is an opaque 128-bit room identifier.
type RoomId struct{ uuid.UUID }

func NewUserId() UserId           { return UserId{uuid.New()} }
func NewDeviceId() DeviceId       { return DeviceId{uuid.New()} }
func NewCommunityId() CommunityId { return CommunityId{uuid.New()} }
func NewRoomId() RoomId           { return RoomId{uuid.New()} }

func ParseUserId(s string) (UserId, error) {
	u, err := uuid.Parse(s)
	return UserId{u}, err
}

func ParseDeviceId(s string) (DeviceId, error) {
	u, err := uuid.Parse(s)
	return DeviceId{u}, err
}

func ParseCommunityId(s string) (CommunityId, error) {
	u, err := uuid.Parse(s)
	return CommunityId{u}, err
}

func ParseRoomId(s string) (RoomId, error) {
	u, err := uuid.Parse(s)
	return RoomId{u}, err
}

func (id UserId) IsZero() bool      { return id.UUID == uuid.Nil }
func (id DeviceId) IsZero() bool    { return id.UUID == uuid.Nil }
func (id CommunityId) IsZero() bool { return id.UUID == uuid.Nil }
func (id RoomId) IsZero() bool      { return id.UUID == uuid.Nil }

// MessageId is a time-ordered 64-bit message identifier. Ids assigned by one
// community actor are strictly increasing in handling order.
type MessageId uint64

// ZeroMessageId is the absent message id.
const ZeroMessageId MessageId = 0

const (
	midBase64Unpadded = 11
	midBase64Padded   = 12
)

func (mid MessageId) IsZero() bool { return mid == 0 }

func (mid MessageId) Before(other MessageId) bool { return mid < other }

func (mid MessageId) String() string {
	buf, _ := mid.MarshalText()
	return string(buf)
}

func (mid MessageId) MarshalText() ([]byte, error) {
	src := make([]byte, 8)
	dst := make([]byte, base64.URLEncoding.EncodedLen(8))
	binary.LittleEndian.PutUint64(src, uint64(mid))
	base64.URLEncoding.Encode(dst, src)
	return dst[:midBase64Unpadded], nil
}

func (mid *MessageId) UnmarshalText(src []byte) error {
	if len(src) != midBase64Unpadded {
		return errors.New("MessageId.UnmarshalText: invalid length")
	}
	for len(src) < midBase64Padded {
		src = append(src, '=')
	}
	dec := make([]byte, base64.URLEncoding.DecodedLen(midBase64Padded))
	count, err := base64.URLEncoding.Decode(dec, src)
	if count < 8 {
		if err != nil {
			return errors.New("MessageId.UnmarshalText: failed to decode: " + err.Error())
		}
		return errors.New("MessageId.UnmarshalText: failed to decode")
	}
	*mid = MessageId(binary.LittleEndian.Uint64(dec))
	return nil
}

func (mid MessageId) MarshalJSON() ([]byte, error) {
	dst, _ := mid.MarshalText()
	return append(append([]byte{'"'}, dst...), '"'), nil
}

func (mid *MessageId) UnmarshalJSON(b []byte) error {
	size := len(b)
	if size != midBase64Unpadded+2 {
		return errors.New("MessageId.UnmarshalJSON: invalid length")
	} else if b[0] != '"' || b[size-1] != '"' {
		return errors.New("MessageId.UnmarshalJSON: unrecognized")
	}
	return mid.UnmarshalText(b[1 : size-1])
}

// ParseMessageId decodes the wire form of a message id.
func ParseMessageId(s string) (MessageId, error) {
	var mid MessageId
	err := mid.UnmarshalText([]byte(s))
	return mid, err
}

// User is a registered account.
type User struct {
	Id             UserId
	Username       string
	DisplayName    string
	ProfileVersion uint32
	PasswordHash   string
	HashScheme     auth.HashSchemeVersion
	Compromised    bool
	Locked         bool
	Banned         bool
}

// Profile is the public slice of a user record. Clients cache profiles by
// (user, version).
type Profile struct {
	Version     uint32 `json:"version"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

func (u *User) Profile() Profile {
	return Profile{
		Version:     u.ProfileVersion,
		Username:    u.Username,
		DisplayName: u.DisplayName,
	}
}

// Token is a device login token record. Only the token digest is stored.
type Token struct {
	Device         DeviceId
	User           UserId
	DeviceName     string
	TokenHash      string
	HashScheme     auth.HashSchemeVersion
	LastUsed       time.Time
	ExpirationDate *time.Time
	Permissions    auth.TokenPermissionFlags
}

// Expired reports whether the token must not authenticate anymore: either
// its explicit expiration date passed or it was idle longer than the
// configured expiry window.
func (t *Token) Expired(now time.Time, expiryDays int) bool {
	if t.ExpirationDate != nil && t.ExpirationDate.Before(now) {
		return true
	}
	return now.Sub(t.LastUsed) > time.Duration(expiryDays)*24*time.Hour
}

// Admin is an administrator record.
type Admin struct {
	User        UserId
	Permissions auth.AdminPermissionFlags
}

// Community is a named collection of rooms and members.
type Community struct {
	Id          CommunityId
	Name        string
	Description string
}

// Room is an ordered message stream within a community.
type Room struct {
	Id        RoomId
	Community CommunityId
	Name      string
}

// Message is a persisted chat message.
type Message struct {
	Id        MessageId   `json:"id"`
	Community CommunityId `json:"community"`
	Room      RoomId      `json:"room"`
	Author    UserId      `json:"author"`
	SentAt    time.Time   `json:"sent_at"`
	Content   string      `json:"content"`
	Edited    bool        `json:"edited,omitempty"`
}

// WatchLevel is a user's notification preference for one room.
type WatchLevel int16

const (
	// WatchDefault: notify according to global settings.
	WatchDefault WatchLevel = iota
	// Watching: always notify.
	Watching
	// Ignored: never notify.
	Ignored
)

// UserRoomState is per-(user, room) read and watch state.
type UserRoomState struct {
	User     UserId
	Room     RoomId
	Watch    WatchLevel
	LastRead MessageId // zero when nothing was read yet
}

// InviteCode is a short URL-safe community invite.
type InviteCode struct {
	Code           string
	Community      CommunityId
	ExpirationDate *time.Time
}

// MaxInviteCodeLen bounds codes on the wire and in storage.
const MaxInviteCodeLen = 11

// Bound is an inclusive or exclusive message id reference in a selector.
type Bound struct {
	Id        MessageId `json:"id"`
	Inclusive bool      `json:"inclusive"`
}

// MessageSelector picks a slice of a room's history relative to a reference
// message.
type MessageSelector struct {
	// Exactly one of the three is set.
	Before *Bound     `json:"before,omitempty"`
	After  *Bound     `json:"after,omitempty"`
	Around *MessageId `json:"around,omitempty"`
}

// Valid reports whether exactly one selector arm is present.
func (sel *MessageSelector) Valid() bool {
	n := 0
	if sel.Before != nil {
		n++
	}
	if sel.After != nil {
		n++
	}
	if sel.Around != nil {
		n++
	}
	return n == 1
}

// RoomUpdate is the catch-up payload for one room.
type RoomUpdate struct {
	LastRead MessageId `json:"last_read,omitempty"`
	// Continuous is true when NewMessages is contiguous with the
	// client's last received message (no gap).
	Continuous bool `json:"continuous"`
	// NewMessages is ordered newest to oldest.
	NewMessages []Message `json:"new_messages"`
}
