package main

/******************************************************************************
 *
 *  Description :
 *
 *    Wire protocol structures
 *
 *****************************************************************************/

import (
	"time"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store/types"
)

// Error kinds on the wire. Store and infrastructure failures all map to
// ErrKindInternal; the rest are domain errors returned verbatim.
const (
	ErrKindInternal               = "internal"
	ErrKindInvalidMessage         = "invalid_message"
	ErrKindInvalidCommunity       = "invalid_community"
	ErrKindInvalidRoom            = "invalid_room"
	ErrKindInvalidUser            = "invalid_user"
	ErrKindInvalidMessageSelector = "invalid_message_selector"
	ErrKindInvalidInviteCode      = "invalid_invite_code"
	ErrKindTooManyInviteCodes     = "too_many_invite_codes"
	ErrKindAccessDenied           = "access_denied"
	ErrKindRateLimited            = "rate_limited"
	ErrKindAlreadyInCommunity     = "already_in_community"
	ErrKindUsernameAlreadyExists  = "username_already_exists"
	ErrKindIncorrectCredentials   = "incorrect_username_or_password"
	ErrKindInvalidUsername        = "invalid_username"
	ErrKindInvalidDisplayName     = "invalid_display_name"
	ErrKindInvalidPassword        = "invalid_password"
	ErrKindUserDeleted            = "user_deleted"
	ErrKindUserLocked             = "user_locked"
	ErrKindUserBanned             = "user_banned"
	ErrKindUserCompromised        = "user_compromised"
	ErrKindTokenInUse             = "token_in_use"
	ErrKindTokenExpired           = "token_expired"
	ErrKindInvalidToken           = "invalid_token"
	ErrKindDeviceDoesNotExist     = "device_does_not_exist"
	ErrKindDidNotUpgrade          = "did_not_upgrade"
	ErrKindWrongEndpoint          = "wrong_endpoint"
)

// Client to Server (C2S) request payloads.

// MsgClientSendMessage posts a message to a room.
type MsgClientSendMessage struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
	Content   string            `json:"content"`
}

// MsgClientEditMessage replaces the content of an earlier message.
type MsgClientEditMessage struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
	Message   types.MessageId   `json:"message"`
	Content   string            `json:"content"`
}

// MsgClientDeleteMessage removes an earlier message.
type MsgClientDeleteMessage struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
	Message   types.MessageId   `json:"message"`
}

// MsgClientJoinCommunity redeems an invite code.
type MsgClientJoinCommunity struct {
	InviteCode string `json:"invite_code"`
}

// MsgClientCreateCommunity creates a community owned by the requester.
type MsgClientCreateCommunity struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// MsgClientCreateRoom adds a room to a community.
type MsgClientCreateRoom struct {
	Community types.CommunityId `json:"community"`
	Name      string            `json:"name"`
}

// MsgClientCreateInvite mints an invite code for a community.
type MsgClientCreateInvite struct {
	Community      types.CommunityId `json:"community"`
	ExpirationDate *time.Time        `json:"expiration_date,omitempty"`
}

// MsgClientGetRoomUpdate requests the catch-up payload for one room.
type MsgClientGetRoomUpdate struct {
	Community    types.CommunityId `json:"community"`
	Room         types.RoomId      `json:"room"`
	LastReceived types.MessageId   `json:"last_received,omitempty"`
	MessageCount int               `json:"message_count"`
}

// MsgClientGetMessages requests a slice of room history.
type MsgClientGetMessages struct {
	Community types.CommunityId     `json:"community"`
	Room      types.RoomId          `json:"room"`
	Selector  types.MessageSelector `json:"selector"`
	Count     int                   `json:"count"`
}

// MsgClientSelectRoom declares the room the client is looking at.
type MsgClientSelectRoom struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
}

// MsgClientDeselectRoom clears the looking-at state.
type MsgClientDeselectRoom struct{}

// MsgClientSetAsRead marks a room read up to its newest message.
type MsgClientSetAsRead struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
}

// MsgClientSetWatchLevel sets the notification preference for a room.
type MsgClientSetWatchLevel struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
	Level     types.WatchLevel  `json:"level"`
}

// MsgClientGetUserProfile fetches a user's public profile.
type MsgClientGetUserProfile struct {
	User types.UserId `json:"user"`
}

// MsgClientChangeUsername renames the requesting user.
type MsgClientChangeUsername struct {
	NewUsername string `json:"new_username"`
}

// MsgClientChangeDisplayName changes the requesting user's display name.
type MsgClientChangeDisplayName struct {
	NewDisplayName string `json:"new_display_name"`
}

// MsgClientChangePassword changes the requesting user's password.
type MsgClientChangePassword struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// MsgClientLogOut revokes this session's token and closes the session.
type MsgClientLogOut struct{}

// MsgClientReportMessage files a report against a message.
type MsgClientReportMessage struct {
	Message types.MessageId `json:"message"`
	Reason  string          `json:"reason,omitempty"`
}

// MsgClientBanUsers bans the listed users. Requires admin rights.
type MsgClientBanUsers struct {
	Users []types.UserId `json:"users"`
}

// ClientComMessage is a wrapper for a single client request frame. Exactly
// one request field is set.
type ClientComMessage struct {
	Id uint32 `json:"id"`

	SendMessage       *MsgClientSendMessage       `json:"send,omitempty"`
	EditMessage       *MsgClientEditMessage       `json:"edit,omitempty"`
	DeleteMessage     *MsgClientDeleteMessage     `json:"del,omitempty"`
	JoinCommunity     *MsgClientJoinCommunity     `json:"join_community,omitempty"`
	CreateCommunity   *MsgClientCreateCommunity   `json:"create_community,omitempty"`
	CreateRoom        *MsgClientCreateRoom        `json:"create_room,omitempty"`
	CreateInvite      *MsgClientCreateInvite      `json:"create_invite,omitempty"`
	GetRoomUpdate     *MsgClientGetRoomUpdate     `json:"room_update,omitempty"`
	GetMessages       *MsgClientGetMessages       `json:"get_messages,omitempty"`
	SelectRoom        *MsgClientSelectRoom        `json:"select_room,omitempty"`
	DeselectRoom      *MsgClientDeselectRoom      `json:"deselect_room,omitempty"`
	SetAsRead         *MsgClientSetAsRead         `json:"set_as_read,omitempty"`
	SetWatchLevel     *MsgClientSetWatchLevel     `json:"set_watch_level,omitempty"`
	GetUserProfile    *MsgClientGetUserProfile    `json:"get_profile,omitempty"`
	ChangeUsername    *MsgClientChangeUsername    `json:"change_username,omitempty"`
	ChangeDisplayName *MsgClientChangeDisplayName `json:"change_display_name,omitempty"`
	ChangePassword    *MsgClientChangePassword    `json:"change_password,omitempty"`
	LogOut            *MsgClientLogOut            `json:"log_out,omitempty"`
	ReportMessage     *MsgClientReportMessage     `json:"report_message,omitempty"`
	BanUsers          *MsgClientBanUsers          `json:"ban_users,omitempty"`
}

// Server to Client (S2C) structures.

// RoomStructure is a room as presented to one user.
type RoomStructure struct {
	Id         types.RoomId     `json:"id"`
	Name       string           `json:"name"`
	Unread     bool             `json:"unread"`
	WatchLevel types.WatchLevel `json:"watch_level"`
}

// CommunityStructure is the canonical snapshot of a community for one user.
type CommunityStructure struct {
	Id          types.CommunityId `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Rooms       []RoomStructure   `json:"rooms"`
}

// MsgMessageConfirmation acknowledges a sent message back to its author.
type MsgMessageConfirmation struct {
	Id     types.MessageId `json:"id"`
	SentAt time.Time       `json:"sent_at"`
}

// MsgRoomAdded announces a new room.
type MsgRoomAdded struct {
	Community types.CommunityId `json:"community"`
	Room      RoomStructure     `json:"room"`
}

// MsgOkResponse is the payload of a successful response. All fields nil
// means NoData.
type MsgOkResponse struct {
	ConfirmMessage *MsgMessageConfirmation `json:"confirm_message,omitempty"`
	Profile        *types.Profile          `json:"profile,omitempty"`
	AddCommunity   *CommunityStructure     `json:"add_community,omitempty"`
	AddRoom        *MsgRoomAdded           `json:"add_room,omitempty"`
	NewInvite      string                  `json:"new_invite,omitempty"`
	RoomUpdate     *types.RoomUpdate       `json:"room_update,omitempty"`
	// MessageHistory is ordered newest to oldest.
	MessageHistory []types.Message `json:"message_history,omitempty"`
}

// MsgServerResponse is the reply to one client request. Either Ok or Err is
// set.
type MsgServerResponse struct {
	Id  uint32         `json:"id"`
	Ok  *MsgOkResponse `json:"ok,omitempty"`
	Err string         `json:"err,omitempty"`
}

// MsgEventAddMessage carries a message to the other online devices.
type MsgEventAddMessage struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
	Message   types.Message     `json:"message"`
}

// MsgEventEditMessage carries a message edit.
type MsgEventEditMessage struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
	Message   types.MessageId   `json:"message"`
	Content   string            `json:"content"`
}

// MsgEventDeleteMessage carries a message deletion.
type MsgEventDeleteMessage struct {
	Community types.CommunityId `json:"community"`
	Room      types.RoomId      `json:"room"`
	Message   types.MessageId   `json:"message"`
}

// MsgClientReady is the snapshot delivered right after the socket upgrade.
type MsgClientReady struct {
	User        types.UserId         `json:"user"`
	Profile     types.Profile        `json:"profile"`
	Communities []CommunityStructure `json:"communities"`
}

// MsgSessionLoggedOut tells a session it is being terminated server-side.
type MsgSessionLoggedOut struct {
	// Reason is a wire error kind, e.g. token_expired.
	Reason string `json:"reason,omitempty"`
}

// MsgServerEvent is a server-originated event frame. Exactly one field is
// set.
type MsgServerEvent struct {
	Ready         *MsgClientReady        `json:"ready,omitempty"`
	AddMessage    *MsgEventAddMessage    `json:"add_message,omitempty"`
	EditMessage   *MsgEventEditMessage   `json:"edit_message,omitempty"`
	DeleteMessage *MsgEventDeleteMessage `json:"delete_message,omitempty"`
	AddCommunity  *CommunityStructure    `json:"add_community,omitempty"`
	AddRoom       *MsgRoomAdded          `json:"add_room,omitempty"`
	LoggedOut     *MsgSessionLoggedOut   `json:"logged_out,omitempty"`
}

// ServerComMessage is a wrapper for a single server frame.
type ServerComMessage struct {
	Response *MsgServerResponse `json:"resp,omitempty"`
	Event    *MsgServerEvent    `json:"evt,omitempty"`
}

// Response constructors.

// NoData is a successful reply without a payload.
func NoData(id uint32) *ServerComMessage {
	return OkReply(id, &MsgOkResponse{})
}

// OkReply wraps a successful payload.
func OkReply(id uint32, ok *MsgOkResponse) *ServerComMessage {
	return &ServerComMessage{Response: &MsgServerResponse{Id: id, Ok: ok}}
}

// ErrReply wraps a domain error kind.
func ErrReply(id uint32, kind string) *ServerComMessage {
	return &ServerComMessage{Response: &MsgServerResponse{Id: id, Err: kind}}
}

// EventMsg wraps a server event.
func EventMsg(evt *MsgServerEvent) *ServerComMessage {
	return &ServerComMessage{Event: evt}
}

// Authentication (HTTP) structures.

// MsgTokenCreateOptions are the optional parameters of token creation.
type MsgTokenCreateOptions struct {
	DeviceName     string     `json:"device_name,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	// Zero means all permissions.
	PermissionFlags auth.TokenPermissionFlags `json:"permission_flags,omitempty"`
}

// MsgAuthRegister registers a new account.
type MsgAuthRegister struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

// MsgAuthCreateToken issues a device token for valid credentials.
type MsgAuthCreateToken struct {
	Username string                `json:"username"`
	Password string                `json:"password"`
	Options  MsgTokenCreateOptions `json:"options,omitempty"`
}

// MsgAuthRefreshToken bumps last_used for a device token.
type MsgAuthRefreshToken struct {
	Username string         `json:"username"`
	Password string         `json:"password"`
	Device   types.DeviceId `json:"device"`
}

// MsgAuthRevokeToken deletes a device token.
type MsgAuthRevokeToken struct {
	Username string         `json:"username"`
	Password string         `json:"password"`
	Device   types.DeviceId `json:"device"`
}

// MsgAuthChangePassword rotates the account password and revokes all other
// tokens.
type MsgAuthChangePassword struct {
	Username    string `json:"username"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// MsgAuthOk is the success payload of the auth endpoints.
type MsgAuthOk struct {
	User   types.UserId   `json:"user,omitempty"`
	Device types.DeviceId `json:"device,omitempty"`
	Token  string         `json:"token,omitempty"`
}

// MsgAuthResponse is the reply of the auth endpoints. Either Ok or Err is
// set.
type MsgAuthResponse struct {
	Ok  *MsgAuthOk `json:"ok,omitempty"`
	Err string     `json:"err,omitempty"`
}
