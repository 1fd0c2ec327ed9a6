package main

/******************************************************************************
 *
 *  Description :
 *
 *    Process-wide registry of live sessions, keyed by (user, device).
 *    Enforces at most one active session per device.
 *
 *****************************************************************************/

import (
	"errors"
	"sync"
	"time"

	"github.com/vertex-im/vertex/server/store/types"
)

// errTokenInUse: another connection for the same device is mid-handshake.
var errTokenInUse = errors.New("token in use")

type slotState int

const (
	// slotInserting: credentials verified, socket not upgraded yet.
	slotInserting slotState = iota
	// slotActive: session is live.
	slotActive
	// slotLogout: tombstone left by a server-side logout so a racing
	// upgrade fails instead of resurrecting the session.
	slotLogout
)

type sessionSlot struct {
	state slotState
	sess  *Session
}

// SessionStore is the process-wide (user, device) -> session registry.
type SessionStore struct {
	mu    sync.Mutex
	users map[types.UserId]map[types.DeviceId]*sessionSlot
}

// NewSessionStore initializes the registry.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		users: make(map[types.UserId]map[types.DeviceId]*sessionSlot),
	}
}

// Insert atomically claims the slot for a freshly authenticated connection.
// An existing active session for the device is evicted and notified first
// (the newer login wins). Returns errTokenInUse when another connection for
// the device is already between Insert and Upgrade.
func (ss *SessionStore) Insert(user types.UserId, device types.DeviceId) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	devices := ss.users[user]
	if devices == nil {
		devices = make(map[types.DeviceId]*sessionSlot)
		ss.users[user] = devices
	}

	if slot, ok := devices[device]; ok {
		switch slot.state {
		case slotInserting:
			return errTokenInUse
		case slotActive:
			// Evict the older session before installing the new one.
			slot.sess.logOut("")
		}
	}

	devices[device] = &sessionSlot{state: slotInserting}
	return nil
}

// Upgrade replaces an Inserting slot with the live session. Returns false
// when the slot was removed or logged out in the interim; the caller must
// drop the socket.
func (ss *SessionStore) Upgrade(user types.UserId, device types.DeviceId, sess *Session) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	slot, ok := ss.users[user][device]
	if !ok || slot.state != slotInserting {
		if ok && slot.state == slotLogout {
			delete(ss.users[user], device)
		}
		return false
	}
	slot.state = slotActive
	slot.sess = sess
	return true
}

// Delete removes a session on normal disconnect. The slot is left alone if
// it no longer belongs to sess (the device was evicted and re-claimed by a
// newer connection).
func (ss *SessionStore) Delete(user types.UserId, device types.DeviceId, sess *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	devices, ok := ss.users[user]
	if !ok {
		return
	}
	if slot, ok := devices[device]; ok && (slot.sess == sess || slot.state == slotLogout) {
		delete(devices, device)
		if len(devices) == 0 {
			delete(ss.users, user)
		}
	}
}

// Get returns the active session for a device, nil if there is none.
func (ss *SessionStore) Get(user types.UserId, device types.DeviceId) *Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if slot, ok := ss.users[user][device]; ok && slot.state == slotActive {
		return slot.sess
	}
	return nil
}

// RemoveAndNotify performs a server-side logout of one device: the slot is
// tombstoned and the session, if live, receives a logged-out event before
// being shut down. Used by the token sweep, password changes and bans.
func (ss *SessionStore) RemoveAndNotify(user types.UserId, device types.DeviceId, reason string) {
	ss.mu.Lock()
	slot, ok := ss.users[user][device]
	if !ok {
		ss.mu.Unlock()
		return
	}
	sess := slot.sess
	active := slot.state == slotActive
	ss.users[user][device] = &sessionSlot{state: slotLogout}
	ss.mu.Unlock()

	if active {
		sess.logOut(reason)
	}
}

// ForUser returns every active session of a user except the given device.
func (ss *SessionStore) ForUser(user types.UserId, except types.DeviceId) []*Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var targets []*Session
	for device, slot := range ss.users[user] {
		if device != except && slot.state == slotActive {
			targets = append(targets, slot.sess)
		}
	}
	return targets
}

// BroadcastToUser delivers an event to every active session of a user
// except the given device.
func (ss *SessionStore) BroadcastToUser(user types.UserId, msg *ServerComMessage, except types.DeviceId) {
	for _, sess := range ss.ForUser(user, except) {
		sess.queueOut(msg)
	}
}

// SessionCount returns the number of active sessions.
func (ss *SessionStore) SessionCount() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	count := 0
	for _, devices := range ss.users {
		for _, slot := range devices {
			if slot.state == slotActive {
				count++
			}
		}
	}
	return count
}

// Shutdown notifies and stops every active session. Called on server
// termination.
func (ss *SessionStore) Shutdown() {
	ss.mu.Lock()
	var targets []*Session
	for _, devices := range ss.users {
		for _, slot := range devices {
			if slot.state == slotActive {
				targets = append(targets, slot.sess)
			}
		}
	}
	ss.users = make(map[types.UserId]map[types.DeviceId]*sessionSlot)
	ss.mu.Unlock()

	for _, sess := range targets {
		sess.logOut("")
	}

	// Best effort: give write loops a moment to flush the final event.
	time.Sleep(time.Second)
}
