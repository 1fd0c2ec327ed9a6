package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store"
	"github.com/vertex-im/vertex/server/store/types"
)

// memberSession joins a user into a community on a fresh device.
func memberSession(tb testing.TB, user *types.User, c *Community, perms auth.TokenPermissionFlags) *Session {
	tb.Helper()
	s := newTestSession(user.Id, types.NewDeviceId(), perms)
	structure, kind := c.Join(user.Id, s.device, s)
	if kind != "" {
		tb.Fatal("join:", kind)
	}
	s.addCommunity(structure)
	return s
}

func respOf(tb testing.TB, msg *ServerComMessage) *MsgServerResponse {
	tb.Helper()
	require.NotNil(tb, msg)
	require.NotNil(tb, msg.Response)
	return msg.Response
}

func TestSendMessageAccessDenied(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	c, room := mustCreateCommunity(t, "c")
	s := memberSession(t, alice, c, auth.PermAll&^auth.PermSendMessages)

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, SendMessage: &MsgClientSendMessage{
		Community: c.id, Room: room, Content: "hi",
	}}))
	assert.Equal(t, ErrKindAccessDenied, resp.Err)
}

func TestSendMessageInvalidCommunity(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	s := newTestSession(alice.Id, types.NewDeviceId(), auth.PermAll)

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 2, SendMessage: &MsgClientSendMessage{
		Community: types.NewCommunityId(), Room: types.NewRoomId(), Content: "hi",
	}}))
	assert.Equal(t, ErrKindInvalidCommunity, resp.Err)
}

func TestSendMessageConfirmation(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	c, room := mustCreateCommunity(t, "c")
	s := memberSession(t, alice, c, auth.PermAll)

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 3, SendMessage: &MsgClientSendMessage{
		Community: c.id, Room: room, Content: "hi",
	}}))
	require.Empty(t, resp.Err)
	require.NotNil(t, resp.Ok)
	require.NotNil(t, resp.Ok.ConfirmMessage)
	assert.Equal(t, uint32(3), resp.Id)
}

func TestRateLimitedRequestDoesNotReachStore(t *testing.T) {
	adp := setupTestGlobals(t)
	globals.ratelimiter.Stop()
	globals.ratelimiter = NewRateLimiter(2)
	t.Cleanup(globals.ratelimiter.Stop)

	alice := mustCreateUser(t, "alice")
	s := newTestSession(alice.Id, types.NewDeviceId(), auth.PermAll)

	profile := &ClientComMessage{Id: 1, GetUserProfile: &MsgClientGetUserProfile{User: alice.Id}}
	require.Empty(t, respOf(t, handleRequest(s, profile)).Err)
	require.Empty(t, respOf(t, handleRequest(s, profile)).Err)

	before := adp.queryCount()
	resp := respOf(t, handleRequest(s, profile))
	assert.Equal(t, ErrKindRateLimited, resp.Err)
	assert.Equal(t, before, adp.queryCount(), "rate-limited request must not reach the store")
}

func TestRoomUpdateContinuity(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	c, room := mustCreateCommunity(t, "c")
	s := memberSession(t, alice, c, auth.PermAll)

	var ids []types.MessageId
	for i := 0; i < 10; i++ {
		msg := &types.Message{Community: c.id, Room: room, Author: alice.Id, Content: "m"}
		require.NoError(t, store.Messages.Save(msg))
		ids = append(ids, msg.Id)
	}

	// Everything after m3 fits in 50: no gap.
	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, GetRoomUpdate: &MsgClientGetRoomUpdate{
		Community: c.id, Room: room, LastReceived: ids[2], MessageCount: 50,
	}}))
	require.Empty(t, resp.Err)
	update := resp.Ok.RoomUpdate
	require.NotNil(t, update)
	assert.True(t, update.Continuous)
	require.Len(t, update.NewMessages, 7)
	// Newest to oldest.
	assert.Equal(t, ids[9], update.NewMessages[0].Id)
	assert.Equal(t, ids[3], update.NewMessages[6].Id)

	// A count of 4 cannot bridge 7 new messages: gap.
	resp = respOf(t, handleRequest(s, &ClientComMessage{Id: 2, GetRoomUpdate: &MsgClientGetRoomUpdate{
		Community: c.id, Room: room, LastReceived: ids[2], MessageCount: 4,
	}}))
	require.Empty(t, resp.Err)
	update = resp.Ok.RoomUpdate
	assert.False(t, update.Continuous)
	assert.Len(t, update.NewMessages, 4)
}

func TestRoomUpdateEmptyRoom(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	c, room := mustCreateCommunity(t, "c")
	s := memberSession(t, alice, c, auth.PermAll)

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, GetRoomUpdate: &MsgClientGetRoomUpdate{
		Community: c.id, Room: room, MessageCount: 10,
	}}))
	require.Empty(t, resp.Err)
	assert.True(t, resp.Ok.RoomUpdate.Continuous)
	assert.Empty(t, resp.Ok.RoomUpdate.NewMessages)
}

func TestGetMessagesSelectors(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	c, room := mustCreateCommunity(t, "c")
	s := memberSession(t, alice, c, auth.PermAll)

	var ids []types.MessageId
	for i := 0; i < 5; i++ {
		msg := &types.Message{Community: c.id, Room: room, Author: alice.Id, Content: "m"}
		require.NoError(t, store.Messages.Save(msg))
		ids = append(ids, msg.Id)
	}

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, GetMessages: &MsgClientGetMessages{
		Community: c.id, Room: room, Count: 2,
		Selector: types.MessageSelector{Before: &types.Bound{Id: ids[3], Inclusive: false}},
	}}))
	require.Empty(t, resp.Err)
	require.Len(t, resp.Ok.MessageHistory, 2)
	assert.Equal(t, ids[2], resp.Ok.MessageHistory[0].Id)
	assert.Equal(t, ids[1], resp.Ok.MessageHistory[1].Id)

	// A selector referencing a foreign message is rejected.
	resp = respOf(t, handleRequest(s, &ClientComMessage{Id: 2, GetMessages: &MsgClientGetMessages{
		Community: c.id, Room: room, Count: 2,
		Selector: types.MessageSelector{Before: &types.Bound{Id: store.NextMessageId()}},
	}}))
	assert.Equal(t, ErrKindInvalidMessageSelector, resp.Err)
}

func TestSetAsReadUsesNewestMessage(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	c, room := mustCreateCommunity(t, "c")
	s := memberSession(t, alice, c, auth.PermAll)

	msg := &types.Message{Community: c.id, Room: room, Author: alice.Id, Content: "m"}
	require.NoError(t, store.Messages.Save(msg))

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, SetAsRead: &MsgClientSetAsRead{
		Community: c.id, Room: room,
	}}))
	require.Empty(t, resp.Err)

	state, err := store.RoomStates.Get(alice.Id, room)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, msg.Id, state.LastRead)
}

func TestChangeUsernameBumpsProfileVersion(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	mustCreateUser(t, "bob")
	s := newTestSession(alice.Id, types.NewDeviceId(), auth.PermAll)

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, ChangeUsername: &MsgClientChangeUsername{
		NewUsername: "Alyce",
	}}))
	require.Empty(t, resp.Err)

	updated, err := store.Users.Get(alice.Id)
	require.NoError(t, err)
	assert.Equal(t, "alyce", updated.Username, "usernames are case-folded")
	assert.Equal(t, alice.ProfileVersion+1, updated.ProfileVersion)

	// Conflicts are reported, not absorbed.
	resp = respOf(t, handleRequest(s, &ClientComMessage{Id: 2, ChangeUsername: &MsgClientChangeUsername{
		NewUsername: "bob",
	}}))
	assert.Equal(t, ErrKindUsernameAlreadyExists, resp.Err)
}

func TestJoinCommunityByInviteCode(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	c, room := mustCreateCommunity(t, "c")

	invite, err := store.InviteCodes.Create(c.id, nil, 10)
	require.NoError(t, err)
	require.LessOrEqual(t, len(invite.Code), types.MaxInviteCodeLen)

	s := newTestSession(alice.Id, types.NewDeviceId(), auth.PermAll)
	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, JoinCommunity: &MsgClientJoinCommunity{
		InviteCode: invite.Code,
	}}))
	require.Empty(t, resp.Err)
	require.NotNil(t, resp.Ok.AddCommunity)
	assert.Equal(t, c.id, resp.Ok.AddCommunity.Id)
	assert.True(t, s.inRoom(c.id, room))

	// Unknown codes do not resolve.
	resp = respOf(t, handleRequest(s, &ClientComMessage{Id: 2, JoinCommunity: &MsgClientJoinCommunity{
		InviteCode: "nosuchcode1",
	}}))
	assert.Equal(t, ErrKindInvalidInviteCode, resp.Err)
}

func TestCreateInviteCap(t *testing.T) {
	setupTestGlobals(t)
	globals.maxInviteCodesPerCommunity = 2

	alice := mustCreateUser(t, "alice")
	c, _ := mustCreateCommunity(t, "c")
	s := memberSession(t, alice, c, auth.PermAll)

	for i := uint32(1); i <= 2; i++ {
		resp := respOf(t, handleRequest(s, &ClientComMessage{Id: i, CreateInvite: &MsgClientCreateInvite{
			Community: c.id,
		}}))
		require.Empty(t, resp.Err)
		assert.NotEmpty(t, resp.Ok.NewInvite)
	}

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 3, CreateInvite: &MsgClientCreateInvite{
		Community: c.id,
	}}))
	assert.Equal(t, ErrKindTooManyInviteCodes, resp.Err)
}

func TestCreateCommunityAndRoomFlow(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	s := newTestSession(alice.Id, types.NewDeviceId(), auth.PermAll)

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, CreateCommunity: &MsgClientCreateCommunity{
		Name: "c",
	}}))
	require.Empty(t, resp.Err)
	require.NotNil(t, resp.Ok.AddCommunity)
	community := resp.Ok.AddCommunity.Id

	resp = respOf(t, handleRequest(s, &ClientComMessage{Id: 2, CreateRoom: &MsgClientCreateRoom{
		Community: community, Name: "general",
	}}))
	require.Empty(t, resp.Err)
	require.NotNil(t, resp.Ok.AddRoom)
	room := resp.Ok.AddRoom.Room.Id

	resp = respOf(t, handleRequest(s, &ClientComMessage{Id: 3, SendMessage: &MsgClientSendMessage{
		Community: community, Room: room, Content: "hi",
	}}))
	require.Empty(t, resp.Err)
	require.NotNil(t, resp.Ok.ConfirmMessage)
}

func TestLogOutRevokesTokenAndClosesSession(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	s := newTestSession(alice.Id, types.NewDeviceId(), auth.PermAll)

	require.NoError(t, store.Tokens.Create(&types.Token{
		Device:      s.device,
		User:        alice.Id,
		TokenHash:   "digest",
		HashScheme:  auth.LatestSchemeVersion,
		LastUsed:    time.Now(),
		Permissions: auth.PermAll,
	}))

	assert.Nil(t, handleRequest(s, &ClientComMessage{Id: 1, LogOut: &MsgClientLogOut{}}))

	// The reply was queued before the final frame.
	resp := respOf(t, nextFrame(t, s))
	assert.Empty(t, resp.Err)

	token, err := store.Tokens.Get(s.device)
	require.NoError(t, err)
	assert.Nil(t, token)

	select {
	case <-s.stop:
	case <-time.After(time.Second):
		t.Fatal("session was not stopped")
	}
}

func TestBanUsersRequiresAdmin(t *testing.T) {
	setupTestGlobals(t)
	alice := mustCreateUser(t, "alice")
	mallory := mustCreateUser(t, "mallory")
	s := newTestSession(alice.Id, types.NewDeviceId(), auth.PermAll)

	resp := respOf(t, handleRequest(s, &ClientComMessage{Id: 1, BanUsers: &MsgClientBanUsers{
		Users: []types.UserId{mallory.Id},
	}}))
	assert.Equal(t, ErrKindAccessDenied, resp.Err)

	require.NoError(t, store.Admins.Upsert(alice.Id, auth.AdminAll))
	resp = respOf(t, handleRequest(s, &ClientComMessage{Id: 2, BanUsers: &MsgClientBanUsers{
		Users: []types.UserId{mallory.Id},
	}}))
	require.Empty(t, resp.Err)

	banned, err := store.Users.Get(mallory.Id)
	require.NoError(t, err)
	assert.True(t, banned.Banned)
}
