package main

/******************************************************************************
 *
 *  Description :
 *
 *    Handling of client sessions. A session owns one websocket connection,
 *    bound to one device of one user.
 *
 *****************************************************************************/

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store/types"
)

const (
	// Maximum size of an inbound frame.
	maxMessageSize = 1 << 18

	// Outbound mailbox depth. Fanout drops events when it is full.
	sendQueueSize = 128

	// How long a write to a full mailbox may wait before the event is
	// dropped.
	queueOutTimeout = 50 * time.Microsecond
)

type lookingAt struct {
	community types.CommunityId
	room      types.RoomId
}

// Session represents a single live websocket connection.
type Session struct {
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	uid    types.UserId
	device types.DeviceId
	perms  auth.TokenPermissionFlags

	// Outbound messages, serialized. Buffered.
	send chan []byte

	// Channel for shutting down the session, buffer 1. Carries the final
	// frame to flush, or nil.
	stop chan []byte

	// guards the caches below and the loggedOut flag
	mu sync.Mutex

	// Joined communities and their rooms, for fast pre-checks on the
	// request path.
	communities map[types.CommunityId]map[types.RoomId]bool

	// The room the client declared as its foreground, if any.
	looking *lookingAt

	loggedOut bool
}

func newSession(conn *websocket.Conn, remoteAddr string, uid types.UserId,
	device types.DeviceId, perms auth.TokenPermissionFlags) *Session {

	return &Session{
		ws:          conn,
		remoteAddr:  remoteAddr,
		uid:         uid,
		device:      device,
		perms:       perms,
		send:        make(chan []byte, sendQueueSize),
		stop:        make(chan []byte, 1),
		communities: make(map[types.CommunityId]map[types.RoomId]bool),
	}
}

// queueOut attempts to send a message to the session's mailbox; if the
// buffer stays full past a tiny timeout the message is dropped and false is
// returned. Used for fanout: one slow device must not stall a community.
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil {
		return true
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Println("session.queueOut: marshal:", err)
		return false
	}
	select {
	case s.send <- data:
	case <-time.After(queueOutTimeout):
		return false
	}
	return true
}

// logOut asks the session to flush a final logged-out event and close.
// Idempotent.
func (s *Session) logOut(reason string) {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		return
	}
	s.loggedOut = true
	s.mu.Unlock()

	frame, _ := json.Marshal(EventMsg(&MsgServerEvent{
		LoggedOut: &MsgSessionLoggedOut{Reason: reason},
	}))
	select {
	case s.stop <- frame:
	default:
	}
}

// Session-local caches.

func (s *Session) inCommunity(id types.CommunityId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.communities[id]
	return ok
}

func (s *Session) inRoom(community types.CommunityId, room types.RoomId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms, ok := s.communities[community]
	return ok && rooms[room]
}

func (s *Session) addCommunity(structure *CommunityStructure) {
	rooms := make(map[types.RoomId]bool, len(structure.Rooms))
	for _, room := range structure.Rooms {
		rooms[room.Id] = true
	}
	s.mu.Lock()
	s.communities[structure.Id] = rooms
	s.mu.Unlock()
}

func (s *Session) addRoom(community types.CommunityId, room types.RoomId) {
	s.mu.Lock()
	if rooms, ok := s.communities[community]; ok {
		rooms[room] = true
	}
	s.mu.Unlock()
}

func (s *Session) setLookingAt(at *lookingAt) {
	s.mu.Lock()
	s.looking = at
	s.mu.Unlock()
}

func (s *Session) lookingAt() *lookingAt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.looking
}

// readLoop processes inbound frames until the connection dies or the
// session is logged out.
func (s *Session) readLoop() {
	defer func() {
		s.cleanUp()
		s.ws.Close()
	}()

	window := 2 * globals.heartbeatInterval

	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(window))
	// The peer pings; any control frame also refreshes the deadline.
	s.ws.SetPingHandler(func(appData string) error {
		s.ws.SetReadDeadline(time.Now().Add(window))
		return s.ws.WriteControl(websocket.PongMessage, []byte(appData),
			time.Now().Add(time.Second))
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				log.Println("session: read:", err)
			}
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(window))
		s.dispatchRaw(raw)
	}
}

// writeLoop pushes outbound frames to the wire.
func (s *Session) writeLoop() {
	defer s.ws.Close()

	for {
		select {
		case data := <-s.send:
			if err := s.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case data := <-s.stop:
			// Flush whatever is already queued, then the final frame.
			for {
				select {
				case queued := <-s.send:
					if err := s.ws.WriteMessage(websocket.BinaryMessage, queued); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			if data != nil {
				s.ws.WriteMessage(websocket.BinaryMessage, data)
			}
			s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// cleanUp deregisters the session everywhere after the socket is gone.
func (s *Session) cleanUp() {
	globals.sessionStore.Delete(s.uid, s.device, s)

	s.mu.Lock()
	ids := make([]types.CommunityId, 0, len(s.communities))
	for id := range s.communities {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if c := globals.hub.Get(id); c != nil {
			c.Disconnect(s.uid, s.device)
		}
	}

	liveSessions.Dec()
}

// dispatchRaw converts raw bytes to a ClientComMessage and dispatches it.
func (s *Session) dispatchRaw(raw []byte) {
	var msg ClientComMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Println("session.dispatch:", err)
		s.queueOut(ErrReply(0, ErrKindInvalidMessage))
		return
	}
	s.dispatch(&msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	// A nil response means the handler already queued everything it had
	// to say (log-out does).
	if resp := handleRequest(s, msg); resp != nil {
		s.queueOut(resp)
	}
}
