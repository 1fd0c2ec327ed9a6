package main

// Shared test fixtures for the server package.

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store"
	"github.com/vertex-im/vertex/server/store/types"
)

// setupTestGlobals installs a fresh in-memory store and process state.
func setupTestGlobals(tb testing.TB) *fakeAdapter {
	tb.Helper()

	adp := newFakeAdapter()
	store.InitTestAdapter(adp)

	globals.sessionStore = NewSessionStore()
	globals.ratelimiter = NewRateLimiter(10000)
	globals.hub = newHub()
	globals.federation = newFederationServer()
	globals.tokenExpiryDays = 90
	globals.maxInviteCodesPerCommunity = 32
	globals.heartbeatInterval = 2 * time.Second

	tb.Cleanup(globals.ratelimiter.Stop)
	return adp
}

// newTestSession builds a session that is not backed by a socket; frames
// accumulate in its send channel.
func newTestSession(user types.UserId, device types.DeviceId, perms auth.TokenPermissionFlags) *Session {
	return &Session{
		uid:         user,
		device:      device,
		perms:       perms,
		send:        make(chan []byte, sendQueueSize),
		stop:        make(chan []byte, 1),
		communities: make(map[types.CommunityId]map[types.RoomId]bool),
	}
}

// nextFrame pops one queued frame off a test session.
func nextFrame(tb testing.TB, s *Session) *ServerComMessage {
	tb.Helper()
	select {
	case data := <-s.send:
		var msg ServerComMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			tb.Fatalf("bad frame: %v", err)
		}
		return &msg
	case <-time.After(time.Second):
		tb.Fatal("no frame queued")
		return nil
	}
}

// noFrame asserts the session mailbox is empty.
func noFrame(tb testing.TB, s *Session) {
	tb.Helper()
	select {
	case data := <-s.send:
		tb.Fatalf("unexpected frame: %s", data)
	default:
	}
}

// mustCreateUser registers a user directly in the store.
func mustCreateUser(tb testing.TB, username string) *types.User {
	tb.Helper()
	hash, scheme, err := auth.HashPassword("correct horse battery")
	if err != nil {
		tb.Fatal(err)
	}
	user := &types.User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		HashScheme:   scheme,
	}
	if err := store.Users.Create(user); err != nil {
		tb.Fatal(err)
	}
	return user
}

// mustCreateCommunity spawns a community actor with one room.
func mustCreateCommunity(tb testing.TB, name string) (*Community, types.RoomId) {
	tb.Helper()
	c, err := globals.hub.Create(name, "")
	if err != nil {
		tb.Fatal(err)
	}
	room, kind := c.CreateRoom(types.UserId{}, types.DeviceId{}, "general")
	if kind != "" {
		tb.Fatal("create room:", kind)
	}
	return c, room.Id
}
