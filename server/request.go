package main

/******************************************************************************
 *
 *  Description :
 *
 *    Dispatch of authenticated client requests. Every handler follows the
 *    same shape: permission check, rate limit, session-local cache checks,
 *    then the community actor or the store.
 *
 *****************************************************************************/

import (
	"log"
	"strings"
	"time"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store"
	"github.com/vertex-im/vertex/server/store/types"
)

// handleRequest routes one client frame. A nil return means the handler
// queued its own output.
func handleRequest(s *Session, msg *ClientComMessage) *ServerComMessage {
	h := &requestHandler{sess: s, id: msg.Id}

	switch {
	case msg.SendMessage != nil:
		return h.sendMessage(msg.SendMessage)
	case msg.EditMessage != nil:
		return h.editMessage(msg.EditMessage)
	case msg.DeleteMessage != nil:
		return h.deleteMessage(msg.DeleteMessage)
	case msg.JoinCommunity != nil:
		return h.joinCommunity(msg.JoinCommunity)
	case msg.CreateCommunity != nil:
		return h.createCommunity(msg.CreateCommunity)
	case msg.CreateRoom != nil:
		return h.createRoom(msg.CreateRoom)
	case msg.CreateInvite != nil:
		return h.createInvite(msg.CreateInvite)
	case msg.GetRoomUpdate != nil:
		return h.getRoomUpdate(msg.GetRoomUpdate)
	case msg.GetMessages != nil:
		return h.getMessages(msg.GetMessages)
	case msg.SelectRoom != nil:
		return h.selectRoom(msg.SelectRoom)
	case msg.DeselectRoom != nil:
		return h.deselectRoom()
	case msg.SetAsRead != nil:
		return h.setAsRead(msg.SetAsRead)
	case msg.SetWatchLevel != nil:
		return h.setWatchLevel(msg.SetWatchLevel)
	case msg.GetUserProfile != nil:
		return h.getUserProfile(msg.GetUserProfile)
	case msg.ChangeUsername != nil:
		return h.changeUsername(msg.ChangeUsername)
	case msg.ChangeDisplayName != nil:
		return h.changeDisplayName(msg.ChangeDisplayName)
	case msg.ChangePassword != nil:
		return h.changePassword(msg.ChangePassword)
	case msg.LogOut != nil:
		return h.logOut()
	case msg.ReportMessage != nil:
		return h.reportMessage(msg.ReportMessage)
	case msg.BanUsers != nil:
		return h.banUsers(msg.BanUsers)
	default:
		return ErrReply(msg.Id, ErrKindInvalidMessage)
	}
}

type requestHandler struct {
	sess *Session
	id   uint32
}

// gate performs the permission and rate-limit steps shared by all handlers.
// Returns a wire error kind, "" to proceed. Rate-limited requests must not
// reach the store.
func (h *requestHandler) gate(perm auth.TokenPermissionFlags) string {
	if perm != 0 && !h.sess.perms.Has(perm) {
		return ErrKindAccessDenied
	}
	if !globals.ratelimiter.Allow(h.sess.device) {
		return ErrKindRateLimited
	}
	return ""
}

func (h *requestHandler) internal(context string, err error) *ServerComMessage {
	log.Printf("request %s: %v", context, err)
	return ErrReply(h.id, ErrKindInternal)
}

func (h *requestHandler) sendMessage(msg *MsgClientSendMessage) *ServerComMessage {
	if kind := h.gate(auth.PermSendMessages); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inCommunity(msg.Community) {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}

	c := globals.hub.Get(msg.Community)
	if c == nil {
		// Member of a community with no loaded actor: a timing anomaly.
		log.Println("send: no actor for community", msg.Community)
		return ErrReply(h.id, ErrKindInternal)
	}

	confirm, kind := c.Send(h.sess.uid, h.sess.device, msg.Room, msg.Content)
	if kind != "" {
		return ErrReply(h.id, kind)
	}
	return OkReply(h.id, &MsgOkResponse{ConfirmMessage: confirm})
}

func (h *requestHandler) editMessage(msg *MsgClientEditMessage) *ServerComMessage {
	if kind := h.gate(auth.PermSendMessages); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inCommunity(msg.Community) {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}

	c := globals.hub.Get(msg.Community)
	if c == nil {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}
	if kind := c.Edit(h.sess.uid, h.sess.device, msg.Room, msg.Message, msg.Content); kind != "" {
		return ErrReply(h.id, kind)
	}
	return NoData(h.id)
}

func (h *requestHandler) deleteMessage(msg *MsgClientDeleteMessage) *ServerComMessage {
	if kind := h.gate(auth.PermSendMessages); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inCommunity(msg.Community) {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}

	c := globals.hub.Get(msg.Community)
	if c == nil {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}
	if kind := c.Delete(h.sess.uid, h.sess.device, msg.Room, msg.Message); kind != "" {
		return ErrReply(h.id, kind)
	}
	return NoData(h.id)
}

func (h *requestHandler) joinCommunity(msg *MsgClientJoinCommunity) *ServerComMessage {
	if kind := h.gate(auth.PermJoinCommunities); kind != "" {
		return ErrReply(h.id, kind)
	}
	if len(msg.InviteCode) > types.MaxInviteCodeLen {
		return ErrReply(h.id, ErrKindInvalidInviteCode)
	}

	invite, err := store.InviteCodes.Get(msg.InviteCode)
	if err != nil {
		return h.internal("join", err)
	}
	if invite == nil {
		return ErrReply(h.id, ErrKindInvalidInviteCode)
	}
	return h.joinCommunityById(invite.Community)
}

func (h *requestHandler) joinCommunityById(id types.CommunityId) *ServerComMessage {
	c := globals.hub.Get(id)
	if c == nil {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}

	structure, kind := c.Join(h.sess.uid, h.sess.device, h.sess)
	if kind != "" {
		return ErrReply(h.id, kind)
	}
	h.sess.addCommunity(structure)
	return OkReply(h.id, &MsgOkResponse{AddCommunity: structure})
}

func (h *requestHandler) createCommunity(msg *MsgClientCreateCommunity) *ServerComMessage {
	if kind := h.gate(auth.PermCreateCommunities); kind != "" {
		return ErrReply(h.id, kind)
	}
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		return ErrReply(h.id, ErrKindInvalidMessage)
	}

	c, err := globals.hub.Create(name, msg.Description)
	if err != nil {
		return h.internal("create community", err)
	}
	// The creator is the first member.
	return h.joinCommunityById(c.id)
}

func (h *requestHandler) createRoom(msg *MsgClientCreateRoom) *ServerComMessage {
	if kind := h.gate(auth.PermCreateRooms); kind != "" {
		return ErrReply(h.id, kind)
	}
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		return ErrReply(h.id, ErrKindInvalidMessage)
	}
	if !h.sess.inCommunity(msg.Community) {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}

	c := globals.hub.Get(msg.Community)
	if c == nil {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}
	room, kind := c.CreateRoom(h.sess.uid, h.sess.device, name)
	if kind != "" {
		return ErrReply(h.id, kind)
	}
	return OkReply(h.id, &MsgOkResponse{AddRoom: &MsgRoomAdded{
		Community: msg.Community,
		Room:      *room,
	}})
}

func (h *requestHandler) createInvite(msg *MsgClientCreateInvite) *ServerComMessage {
	if kind := h.gate(auth.PermCreateInvites); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inCommunity(msg.Community) {
		return ErrReply(h.id, ErrKindInvalidCommunity)
	}
	if msg.ExpirationDate != nil && msg.ExpirationDate.Before(time.Now()) {
		return ErrReply(h.id, ErrKindInvalidMessage)
	}

	invite, err := store.InviteCodes.Create(msg.Community, msg.ExpirationDate,
		globals.maxInviteCodesPerCommunity)
	if err == types.ErrTooManyInviteCodes {
		return ErrReply(h.id, ErrKindTooManyInviteCodes)
	}
	if err != nil {
		return h.internal("create invite", err)
	}
	return OkReply(h.id, &MsgOkResponse{NewInvite: invite.Code})
}

func (h *requestHandler) getRoomUpdate(msg *MsgClientGetRoomUpdate) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inRoom(msg.Community, msg.Room) {
		return ErrReply(h.id, ErrKindInvalidRoom)
	}
	if msg.MessageCount <= 0 {
		return ErrReply(h.id, ErrKindInvalidMessage)
	}

	update, err := store.Messages.RoomUpdate(h.sess.uid, msg.Community, msg.Room,
		msg.LastReceived, msg.MessageCount)
	if err == types.ErrInvalidSelector {
		return ErrReply(h.id, ErrKindInvalidMessageSelector)
	}
	if err != nil {
		return h.internal("room update", err)
	}
	return OkReply(h.id, &MsgOkResponse{RoomUpdate: update})
}

func (h *requestHandler) getMessages(msg *MsgClientGetMessages) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inRoom(msg.Community, msg.Room) {
		return ErrReply(h.id, ErrKindInvalidRoom)
	}
	if msg.Count <= 0 || !msg.Selector.Valid() {
		return ErrReply(h.id, ErrKindInvalidMessageSelector)
	}

	messages, err := store.Messages.GetSlice(msg.Community, msg.Room, msg.Selector, msg.Count)
	if err == types.ErrInvalidSelector {
		return ErrReply(h.id, ErrKindInvalidMessageSelector)
	}
	if err != nil {
		return h.internal("get messages", err)
	}
	return OkReply(h.id, &MsgOkResponse{MessageHistory: messages})
}

func (h *requestHandler) selectRoom(msg *MsgClientSelectRoom) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inRoom(msg.Community, msg.Room) {
		return ErrReply(h.id, ErrKindInvalidRoom)
	}
	h.sess.setLookingAt(&lookingAt{community: msg.Community, room: msg.Room})
	return NoData(h.id)
}

func (h *requestHandler) deselectRoom() *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}
	h.sess.setLookingAt(nil)
	return NoData(h.id)
}

func (h *requestHandler) setAsRead(msg *MsgClientSetAsRead) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inRoom(msg.Community, msg.Room) {
		return ErrReply(h.id, ErrKindInvalidRoom)
	}

	// Mark read up to the newest persisted message of this room; the
	// marker always references a message in the room.
	newest, err := store.Messages.Newest(msg.Community, msg.Room)
	if err != nil {
		return h.internal("set as read", err)
	}
	if !newest.IsZero() {
		if err = store.RoomStates.SetLastRead(h.sess.uid, msg.Room, newest); err != nil {
			return h.internal("set as read", err)
		}
	}
	return NoData(h.id)
}

func (h *requestHandler) setWatchLevel(msg *MsgClientSetWatchLevel) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !h.sess.inRoom(msg.Community, msg.Room) {
		return ErrReply(h.id, ErrKindInvalidRoom)
	}
	if err := store.RoomStates.SetWatch(h.sess.uid, msg.Room, msg.Level); err != nil {
		return h.internal("set watch level", err)
	}
	return NoData(h.id)
}

func (h *requestHandler) getUserProfile(msg *MsgClientGetUserProfile) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}
	user, err := store.Users.Get(msg.User)
	if err != nil {
		return h.internal("get profile", err)
	}
	if user == nil {
		return ErrReply(h.id, ErrKindInvalidUser)
	}
	profile := user.Profile()
	return OkReply(h.id, &MsgOkResponse{Profile: &profile})
}

func (h *requestHandler) changeUsername(msg *MsgClientChangeUsername) *ServerComMessage {
	if kind := h.gate(auth.PermChangeUsername); kind != "" {
		return ErrReply(h.id, kind)
	}
	username := auth.PrepareUsername(msg.NewUsername)
	if username == "" {
		return ErrReply(h.id, ErrKindInvalidUsername)
	}

	switch err := store.Users.ChangeUsername(h.sess.uid, username); err {
	case nil:
		return NoData(h.id)
	case types.ErrDuplicate:
		return ErrReply(h.id, ErrKindUsernameAlreadyExists)
	case types.ErrNotFound:
		// The user vanished mid-session.
		h.sess.logOut(ErrKindUserDeleted)
		return ErrReply(h.id, ErrKindUserDeleted)
	default:
		return h.internal("change username", err)
	}
}

func (h *requestHandler) changeDisplayName(msg *MsgClientChangeDisplayName) *ServerComMessage {
	if kind := h.gate(auth.PermChangeDisplayName); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !auth.ValidDisplayName(msg.NewDisplayName) {
		return ErrReply(h.id, ErrKindInvalidDisplayName)
	}

	switch err := store.Users.ChangeDisplayName(h.sess.uid, msg.NewDisplayName); err {
	case nil:
		return NoData(h.id)
	case types.ErrNotFound:
		h.sess.logOut(ErrKindUserDeleted)
		return ErrReply(h.id, ErrKindUserDeleted)
	default:
		return h.internal("change display name", err)
	}
}

func (h *requestHandler) changePassword(msg *MsgClientChangePassword) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}
	if !auth.ValidPassword(msg.NewPassword) {
		return ErrReply(h.id, ErrKindInvalidPassword)
	}

	user, err := store.Users.Get(h.sess.uid)
	if err != nil {
		return h.internal("change password", err)
	}
	if user == nil {
		return ErrReply(h.id, ErrKindInvalidUser)
	}
	ok, _, err := auth.VerifyPassword(msg.OldPassword, user.PasswordHash, user.HashScheme)
	if err != nil {
		return h.internal("change password", err)
	}
	if !ok {
		return ErrReply(h.id, ErrKindIncorrectCredentials)
	}

	hash, scheme, err := auth.HashPassword(msg.NewPassword)
	if err != nil {
		return h.internal("change password", err)
	}
	if err = store.Users.ChangePassword(h.sess.uid, hash, scheme); err != nil {
		if err == types.ErrNotFound {
			h.sess.logOut(ErrKindUserDeleted)
			return ErrReply(h.id, ErrKindUserDeleted)
		}
		return h.internal("change password", err)
	}

	// Every other token of the user is now invalid.
	revokeUserTokens(h.sess.uid, h.sess.device, "")

	return NoData(h.id)
}

func (h *requestHandler) logOut() *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}

	existed, err := store.Tokens.Delete(h.sess.device)
	if err != nil {
		return h.internal("log out", err)
	}
	if !existed {
		return ErrReply(h.id, ErrKindDeviceDoesNotExist)
	}

	// Queue the reply before the final logged-out frame.
	h.sess.queueOut(NoData(h.id))
	h.sess.logOut("")
	return nil
}

func (h *requestHandler) reportMessage(msg *MsgClientReportMessage) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}

	existing, err := store.Messages.Get(msg.Message)
	if err != nil {
		return h.internal("report message", err)
	}
	if existing == nil {
		return ErrReply(h.id, ErrKindInvalidMessage)
	}
	if err = store.Messages.Report(h.sess.uid, msg.Message, msg.Reason); err != nil {
		return h.internal("report message", err)
	}
	return NoData(h.id)
}

func (h *requestHandler) banUsers(msg *MsgClientBanUsers) *ServerComMessage {
	if kind := h.gate(0); kind != "" {
		return ErrReply(h.id, kind)
	}

	perms, err := store.Admins.Get(h.sess.uid)
	if err != nil {
		return h.internal("ban users", err)
	}
	if !perms.Has(auth.AdminBan) {
		return ErrReply(h.id, ErrKindAccessDenied)
	}

	for _, user := range msg.Users {
		if err := store.Users.SetBanned(user, true); err != nil {
			if err == types.ErrNotFound {
				return ErrReply(h.id, ErrKindInvalidUser)
			}
			return h.internal("ban users", err)
		}
		revokeUserTokens(user, types.DeviceId{}, ErrKindUserBanned)
	}
	return NoData(h.id)
}

// revokeUserTokens deletes a user's tokens except the given device (zero
// device: all of them) and tears down the sessions they backed.
func revokeUserTokens(user types.UserId, except types.DeviceId, reason string) {
	devices, err := store.Tokens.DeleteForUser(user, except)
	if err != nil {
		log.Println("revoke tokens:", err)
		return
	}
	for _, device := range devices {
		globals.sessionStore.RemoveAndNotify(user, device, reason)
	}
}
