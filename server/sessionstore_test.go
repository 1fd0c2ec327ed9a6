package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-im/vertex/server/store/types"
)

func loggedOutFrame(tb testing.TB, s *Session) *MsgSessionLoggedOut {
	tb.Helper()
	select {
	case data := <-s.stop:
		var msg ServerComMessage
		require.NoError(tb, json.Unmarshal(data, &msg))
		require.NotNil(tb, msg.Event)
		require.NotNil(tb, msg.Event.LoggedOut)
		return msg.Event.LoggedOut
	case <-time.After(time.Second):
		tb.Fatal("no logged-out frame")
		return nil
	}
}

func TestSessionStoreInsertUpgrade(t *testing.T) {
	setupTestGlobals(t)
	ss := globals.sessionStore

	user, device := types.NewUserId(), types.NewDeviceId()
	sess := newTestSession(user, device, 0)

	require.NoError(t, ss.Insert(user, device))
	// A second connection racing the handshake is rejected.
	assert.Equal(t, errTokenInUse, ss.Insert(user, device))

	require.True(t, ss.Upgrade(user, device, sess))
	assert.Equal(t, sess, ss.Get(user, device))
	assert.Equal(t, 1, ss.SessionCount())

	ss.Delete(user, device, sess)
	assert.Nil(t, ss.Get(user, device))
	assert.Equal(t, 0, ss.SessionCount())
}

func TestSecondAuthenticationEvictsFirst(t *testing.T) {
	setupTestGlobals(t)
	ss := globals.sessionStore

	user, device := types.NewUserId(), types.NewDeviceId()
	first := newTestSession(user, device, 0)
	require.NoError(t, ss.Insert(user, device))
	require.True(t, ss.Upgrade(user, device, first))

	// The new login claims the device; the old session is notified first.
	second := newTestSession(user, device, 0)
	require.NoError(t, ss.Insert(user, device))
	loggedOutFrame(t, first)
	require.True(t, ss.Upgrade(user, device, second))
	assert.Equal(t, second, ss.Get(user, device))

	// The evicted session's cleanup must not tear down the new slot.
	ss.Delete(user, device, first)
	assert.Equal(t, second, ss.Get(user, device))
}

func TestRemoveAndNotify(t *testing.T) {
	setupTestGlobals(t)
	ss := globals.sessionStore

	user, device := types.NewUserId(), types.NewDeviceId()
	sess := newTestSession(user, device, 0)
	require.NoError(t, ss.Insert(user, device))
	require.True(t, ss.Upgrade(user, device, sess))

	ss.RemoveAndNotify(user, device, ErrKindTokenExpired)
	out := loggedOutFrame(t, sess)
	assert.Equal(t, ErrKindTokenExpired, out.Reason)
	assert.Nil(t, ss.Get(user, device))
}

func TestLogoutTombstoneBlocksUpgrade(t *testing.T) {
	setupTestGlobals(t)
	ss := globals.sessionStore

	user, device := types.NewUserId(), types.NewDeviceId()
	require.NoError(t, ss.Insert(user, device))

	// Swept between Insert and Upgrade: the socket must be dropped.
	ss.RemoveAndNotify(user, device, ErrKindTokenExpired)
	assert.False(t, ss.Upgrade(user, device, newTestSession(user, device, 0)))
}

func TestBroadcastToUserSkipsDevice(t *testing.T) {
	setupTestGlobals(t)
	ss := globals.sessionStore

	user := types.NewUserId()
	d1, d2 := types.NewDeviceId(), types.NewDeviceId()
	s1 := newTestSession(user, d1, 0)
	s2 := newTestSession(user, d2, 0)

	require.NoError(t, ss.Insert(user, d1))
	require.True(t, ss.Upgrade(user, d1, s1))
	require.NoError(t, ss.Insert(user, d2))
	require.True(t, ss.Upgrade(user, d2, s2))

	ss.BroadcastToUser(user, EventMsg(&MsgServerEvent{
		AddCommunity: &CommunityStructure{Id: types.NewCommunityId(), Name: "c"},
	}), d1)

	frame := nextFrame(t, s2)
	require.NotNil(t, frame.Event.AddCommunity)
	noFrame(t, s1)
}
