package main

/******************************************************************************
 *
 *  Description :
 *
 *    The community actor. One goroutine per community owns the room set and
 *    the online member table; every state-changing operation flows through
 *    its mailbox, which gives all observers a single total order of events
 *    per community.
 *
 *****************************************************************************/

import (
	"log"

	"github.com/vertex-im/vertex/server/store"
	"github.com/vertex-im/vertex/server/store/types"
)

// Community is the in-memory actor for one community.
type Community struct {
	id          types.CommunityId
	name        string
	description string

	// Rooms of the community, id to name. Owned by the actor goroutine.
	rooms map[types.RoomId]string

	// Online member devices. Owned by the actor goroutine; the session
	// pointers are mailbox addresses only, delivery is best-effort.
	online map[types.UserId]map[types.DeviceId]*Session

	// Inbound operations, buffered. Senders block when the buffer is full.
	reqs chan *communityReq

	// Shutdown: send a channel to receive the ack.
	exit chan chan bool
}

const communityMailboxSize = 256

// communityReq is one mailbox operation; exactly one field is set.
type communityReq struct {
	connect    *commConnect
	disconnect *commDisconnect
	join       *commJoin
	createRoom *commCreateRoom
	send       *commSend
	edit       *commEdit
	del        *commDelete
}

type commConnect struct {
	user   types.UserId
	device types.DeviceId
	sess   *Session
	reply  chan *commStructureResult
}

type commDisconnect struct {
	user   types.UserId
	device types.DeviceId
}

type commJoin struct {
	user   types.UserId
	device types.DeviceId
	sess   *Session
	reply  chan *commStructureResult
}

type commStructureResult struct {
	structure *CommunityStructure
	errKind   string
}

type commCreateRoom struct {
	user   types.UserId
	device types.DeviceId
	name   string
	reply  chan *commRoomResult
}

type commRoomResult struct {
	room    *RoomStructure
	errKind string
}

type commSend struct {
	user    types.UserId
	device  types.DeviceId
	room    types.RoomId
	content string
	reply   chan *commSendResult
}

type commSendResult struct {
	confirm *MsgMessageConfirmation
	errKind string
}

type commEdit struct {
	user    types.UserId
	device  types.DeviceId
	room    types.RoomId
	message types.MessageId
	content string
	reply   chan string
}

type commDelete struct {
	user    types.UserId
	device  types.DeviceId
	room    types.RoomId
	message types.MessageId
	reply   chan string
}

func newCommunity(record *types.Community, rooms []types.Room) *Community {
	c := &Community{
		id:          record.Id,
		name:        record.Name,
		description: record.Description,
		rooms:       make(map[types.RoomId]string),
		online:      make(map[types.UserId]map[types.DeviceId]*Session),
		reqs:        make(chan *communityReq, communityMailboxSize),
		exit:        make(chan chan bool, 1),
	}
	for _, room := range rooms {
		c.rooms[room.Id] = room.Name
	}
	return c
}

func (c *Community) run() {
	log.Printf("Community started: '%s' (%s)", c.name, c.id)

	for {
		select {
		case req := <-c.reqs:
			switch {
			case req.connect != nil:
				c.handleConnect(req.connect)
			case req.disconnect != nil:
				c.handleDisconnect(req.disconnect)
			case req.join != nil:
				c.handleJoin(req.join)
			case req.createRoom != nil:
				c.handleCreateRoom(req.createRoom)
			case req.send != nil:
				c.handleSend(req.send)
			case req.edit != nil:
				c.handleEdit(req.edit)
			case req.del != nil:
				c.handleDelete(req.del)
			}

		case done := <-c.exit:
			log.Printf("Community stopped: '%s' (%s)", c.name, c.id)
			done <- true
			return
		}
	}
}

// fanout delivers an event to every online member device except skip.
// Delivery is best-effort: a full or closed mailbox drops the event for that
// device only.
func (c *Community) fanout(evt *MsgServerEvent, skip types.DeviceId) {
	msg := EventMsg(evt)
	for _, devices := range c.online {
		for device, sess := range devices {
			if device == skip {
				continue
			}
			if !sess.queueOut(msg) {
				log.Printf("comm %s: dropped event for device %s", c.id, device)
			}
		}
	}
}

// structure builds the canonical community snapshot for one user: the room
// list annotated with the user's unread and watch state.
func (c *Community) structure(user types.UserId) (*CommunityStructure, error) {
	states, err := store.RoomStates.ForUser(user, c.id)
	if err != nil {
		return nil, err
	}
	byRoom := make(map[types.RoomId]*types.UserRoomState, len(states))
	for i := range states {
		byRoom[states[i].Room] = &states[i]
	}

	rooms := make([]RoomStructure, 0, len(c.rooms))
	for id, name := range c.rooms {
		rs := RoomStructure{Id: id, Name: name}
		newest, err := store.Messages.Newest(c.id, id)
		if err != nil {
			return nil, err
		}
		if state := byRoom[id]; state != nil {
			rs.WatchLevel = state.Watch
			rs.Unread = !newest.IsZero() && state.LastRead.Before(newest)
		} else {
			rs.Unread = !newest.IsZero()
		}
		rooms = append(rooms, rs)
	}

	return &CommunityStructure{
		Id:          c.id,
		Name:        c.name,
		Description: c.description,
		Rooms:       rooms,
	}, nil
}

func (c *Community) handleConnect(msg *commConnect) {
	devices := c.online[msg.user]
	if devices == nil {
		devices = make(map[types.DeviceId]*Session)
		c.online[msg.user] = devices
	}
	// Idempotent on a duplicate (user, device): the handle is replaced.
	devices[msg.device] = msg.sess

	structure, err := c.structure(msg.user)
	if err != nil {
		log.Println("comm connect:", err)
		msg.reply <- &commStructureResult{errKind: ErrKindInternal}
		return
	}
	msg.reply <- &commStructureResult{structure: structure}
}

func (c *Community) handleDisconnect(msg *commDisconnect) {
	if devices, ok := c.online[msg.user]; ok {
		delete(devices, msg.device)
		if len(devices) == 0 {
			delete(c.online, msg.user)
		}
	}
}

func (c *Community) handleJoin(msg *commJoin) {
	err := store.Communities.AddMember(c.id, msg.user)
	switch err {
	case nil:
	case types.ErrDuplicate:
		msg.reply <- &commStructureResult{errKind: ErrKindAlreadyInCommunity}
		return
	case types.ErrNotFound:
		msg.reply <- &commStructureResult{errKind: ErrKindInvalidUser}
		return
	default:
		log.Println("comm join:", err)
		msg.reply <- &commStructureResult{errKind: ErrKindInternal}
		return
	}

	structure, err := c.structure(msg.user)
	if err != nil {
		log.Println("comm join:", err)
		msg.reply <- &commStructureResult{errKind: ErrKindInternal}
		return
	}

	// The joining device becomes an online member right away.
	devices := c.online[msg.user]
	if devices == nil {
		devices = make(map[types.DeviceId]*Session)
		c.online[msg.user] = devices
	}
	devices[msg.device] = msg.sess

	// Tell the user's other devices about their new community. Their
	// session caches are updated here too so the membership is usable
	// without a reconnect.
	evt := EventMsg(&MsgServerEvent{AddCommunity: structure})
	for _, sibling := range globals.sessionStore.ForUser(msg.user, msg.device) {
		sibling.addCommunity(structure)
		sibling.queueOut(evt)
	}

	msg.reply <- &commStructureResult{structure: structure}
}

func (c *Community) handleCreateRoom(msg *commCreateRoom) {
	room := &types.Room{Community: c.id, Name: msg.name}
	if err := store.Rooms.Create(room); err != nil {
		log.Println("comm create room:", err)
		msg.reply <- &commRoomResult{errKind: ErrKindInternal}
		return
	}
	c.rooms[room.Id] = room.Name

	// All online member sessions learn the room, caches included, so the
	// new room is addressable right away.
	rs := RoomStructure{Id: room.Id, Name: room.Name, Unread: true}
	evt := EventMsg(&MsgServerEvent{AddRoom: &MsgRoomAdded{Community: c.id, Room: rs}})
	for _, devices := range c.online {
		for _, sess := range devices {
			sess.addRoom(c.id, room.Id)
			sess.queueOut(evt)
		}
	}

	msg.reply <- &commRoomResult{room: &rs}
}

func (c *Community) handleSend(msg *commSend) {
	if _, ok := c.rooms[msg.room]; !ok {
		msg.reply <- &commSendResult{errKind: ErrKindInvalidRoom}
		return
	}

	message := &types.Message{
		Community: c.id,
		Room:      msg.room,
		Author:    msg.user,
		Content:   msg.content,
	}
	// Persist first; only then fan out.
	if err := store.Messages.Save(message); err != nil {
		log.Println("comm send:", err)
		msg.reply <- &commSendResult{errKind: ErrKindInternal}
		return
	}

	c.fanout(&MsgServerEvent{AddMessage: &MsgEventAddMessage{
		Community: c.id,
		Room:      msg.room,
		Message:   *message,
	}}, msg.device)

	messagesRouted.Inc()

	msg.reply <- &commSendResult{confirm: &MsgMessageConfirmation{
		Id:     message.Id,
		SentAt: message.SentAt,
	}}
}

func (c *Community) handleEdit(msg *commEdit) {
	if _, ok := c.rooms[msg.room]; !ok {
		msg.reply <- ErrKindInvalidRoom
		return
	}

	existing, err := store.Messages.Get(msg.message)
	if err != nil {
		log.Println("comm edit:", err)
		msg.reply <- ErrKindInternal
		return
	}
	if existing == nil || existing.Room != msg.room {
		msg.reply <- ErrKindInvalidMessage
		return
	}
	if existing.Author != msg.user {
		msg.reply <- ErrKindAccessDenied
		return
	}

	if ok, err := store.Messages.UpdateContent(msg.message, msg.content); err != nil {
		log.Println("comm edit:", err)
		msg.reply <- ErrKindInternal
		return
	} else if !ok {
		msg.reply <- ErrKindInvalidMessage
		return
	}

	c.fanout(&MsgServerEvent{EditMessage: &MsgEventEditMessage{
		Community: c.id,
		Room:      msg.room,
		Message:   msg.message,
		Content:   msg.content,
	}}, msg.device)

	msg.reply <- ""
}

func (c *Community) handleDelete(msg *commDelete) {
	if _, ok := c.rooms[msg.room]; !ok {
		msg.reply <- ErrKindInvalidRoom
		return
	}

	existing, err := store.Messages.Get(msg.message)
	if err != nil {
		log.Println("comm delete:", err)
		msg.reply <- ErrKindInternal
		return
	}
	if existing == nil || existing.Room != msg.room {
		msg.reply <- ErrKindInvalidMessage
		return
	}
	if existing.Author != msg.user {
		msg.reply <- ErrKindAccessDenied
		return
	}

	if ok, err := store.Messages.Delete(msg.message); err != nil {
		log.Println("comm delete:", err)
		msg.reply <- ErrKindInternal
		return
	} else if !ok {
		msg.reply <- ErrKindInvalidMessage
		return
	}

	c.fanout(&MsgServerEvent{DeleteMessage: &MsgEventDeleteMessage{
		Community: c.id,
		Room:      msg.room,
		Message:   msg.message,
	}}, msg.device)

	msg.reply <- ""
}

// Mailbox wrappers. Each blocks until the actor handled the operation.

// Connect registers an online device and returns the member's snapshot.
func (c *Community) Connect(user types.UserId, device types.DeviceId, sess *Session) (*CommunityStructure, string) {
	reply := make(chan *commStructureResult, 1)
	c.reqs <- &communityReq{connect: &commConnect{user: user, device: device, sess: sess, reply: reply}}
	res := <-reply
	return res.structure, res.errKind
}

// Disconnect drops an online device. Fire and forget.
func (c *Community) Disconnect(user types.UserId, device types.DeviceId) {
	c.reqs <- &communityReq{disconnect: &commDisconnect{user: user, device: device}}
}

// Join makes the user a member and returns the canonical snapshot.
func (c *Community) Join(user types.UserId, device types.DeviceId, sess *Session) (*CommunityStructure, string) {
	reply := make(chan *commStructureResult, 1)
	c.reqs <- &communityReq{join: &commJoin{user: user, device: device, sess: sess, reply: reply}}
	res := <-reply
	return res.structure, res.errKind
}

// CreateRoom persists a room and announces it to all online members.
func (c *Community) CreateRoom(user types.UserId, device types.DeviceId, name string) (*RoomStructure, string) {
	reply := make(chan *commRoomResult, 1)
	c.reqs <- &communityReq{createRoom: &commCreateRoom{user: user, device: device, name: name, reply: reply}}
	res := <-reply
	return res.room, res.errKind
}

// Send persists a message and fans it out to every online member device
// except the author's.
func (c *Community) Send(user types.UserId, device types.DeviceId, room types.RoomId, content string) (*MsgMessageConfirmation, string) {
	reply := make(chan *commSendResult, 1)
	c.reqs <- &communityReq{send: &commSend{user: user, device: device, room: room, content: content, reply: reply}}
	res := <-reply
	return res.confirm, res.errKind
}

// Edit replaces a message body. Returns a wire error kind, "" on success.
func (c *Community) Edit(user types.UserId, device types.DeviceId, room types.RoomId, message types.MessageId, content string) string {
	reply := make(chan string, 1)
	c.reqs <- &communityReq{edit: &commEdit{user: user, device: device, room: room, message: message, content: content, reply: reply}}
	return <-reply
}

// Delete removes a message. Returns a wire error kind, "" on success.
func (c *Community) Delete(user types.UserId, device types.DeviceId, room types.RoomId, message types.MessageId) string {
	reply := make(chan string, 1)
	c.reqs <- &communityReq{del: &commDelete{user: user, device: device, room: room, message: message, reply: reply}}
	return <-reply
}

// Stop shuts the actor down and waits for the ack.
func (c *Community) Stop() {
	done := make(chan bool, 1)
	c.exit <- done
	<-done
}
