package main

/******************************************************************************
 *
 *  Description :
 *
 *    Registry of community actors. Communities are loaded at boot and
 *    created at runtime; lookups vastly outnumber both.
 *
 *****************************************************************************/

import (
	"log"
	"sync"

	"github.com/vertex-im/vertex/server/store"
	"github.com/vertex-im/vertex/server/store/types"
)

// Hub holds the handles of all running community actors.
type Hub struct {
	// CommunityId -> *Community
	communities *sync.Map
}

func newHub() *Hub {
	return &Hub{communities: &sync.Map{}}
}

// Get returns a community actor handle, nil when the community is unknown.
func (h *Hub) Get(id types.CommunityId) *Community {
	if c, ok := h.communities.Load(id); ok {
		return c.(*Community)
	}
	return nil
}

// LoadAll starts an actor for every persisted community. Called once at
// boot, before the listener accepts connections.
func (h *Hub) LoadAll() error {
	records, err := store.Communities.GetAll()
	if err != nil {
		return err
	}
	for i := range records {
		rooms, err := store.Rooms.ForCommunity(records[i].Id)
		if err != nil {
			return err
		}
		c := newCommunity(&records[i], rooms)
		h.communities.Store(c.id, c)
		go c.run()
		communitiesLoaded.Inc()
	}
	log.Printf("Loaded %d communities", len(records))
	return nil
}

// Create persists a new community and spawns its actor.
func (h *Hub) Create(name, description string) (*Community, error) {
	record := &types.Community{Name: name, Description: description}
	if err := store.Communities.Create(record); err != nil {
		return nil, err
	}
	c := newCommunity(record, nil)
	h.communities.Store(c.id, c)
	go c.run()
	communitiesLoaded.Inc()
	return c, nil
}

// Shutdown stops all community actors and signals completion on done.
func (h *Hub) Shutdown(done chan<- bool) {
	h.communities.Range(func(_, v interface{}) bool {
		v.(*Community).Stop()
		return true
	})
	done <- true
}
