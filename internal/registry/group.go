// Package registry tracks per-group live session state: the cached
// channel list, open connections, and online users.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/loftchat/loft/internal/storage"
)

// presenceEvent is the payload broadcast to a group when a user's
// connection count crosses zero in either direction. Exactly one event
// is emitted per transition, regardless of how many connections the
// user holds in between.
type presenceEvent struct {
	Type   string         `json:"type"`
	UserID storage.UserID `json:"user_id"`
}

const (
	eventUserOnline  = "user_online"
	eventUserOffline = "user_offline"
)

// group is one chat group's live state. All access is serialized by the
// owning shard's lock; group itself holds no locks.
//
// channels is fetched once when the group is first activated and never
// refreshed afterwards. External channel changes are not reflected
// until the group empties and is recreated; that staleness is a known
// trade-off, not an oversight.
type group struct {
	channels []storage.Channel
	conns    map[ConnID]*Queue
	online   map[storage.UserID][]ConnID
}

// newGroup builds the live state for a group's first connection. The
// channel fetch may fail with a storage error; in that case no state
// exists and the caller must not register the connection.
func newGroup(channels []storage.Channel, cc ConnContext, q *Queue) *group {
	g := &group{
		channels: channels,
		conns:    make(map[ConnID]*Queue),
		online:   make(map[storage.UserID][]ConnID),
	}
	g.insertConn(cc, q)
	return g
}

// insertConn adds a connection to the group. When this is the user's
// first connection here, a user_online event is broadcast to the group.
func (g *group) insertConn(cc ConnContext, q *Queue) {
	g.conns[cc.ConnID] = q
	g.online[cc.UserID] = append(g.online[cc.UserID], cc.ConnID)
	if len(g.online[cc.UserID]) == 1 {
		g.broadcastEvent(eventUserOnline, cc.UserID)
	}
}

// removeConn removes a connection from the group and reports whether
// the group is now empty, in which case the caller must delete it and
// no per-user bookkeeping happens (the whole group is being torn down).
// Otherwise the user's entry is trimmed, and a user_offline event is
// broadcast when their last connection here went away.
//
// A connection whose user has no entry means the registry itself is
// corrupt; that is a programming error, not a recoverable condition.
func (g *group) removeConn(cc ConnContext) bool {
	if q, ok := g.conns[cc.ConnID]; ok {
		q.Close()
	}
	delete(g.conns, cc.ConnID)
	if len(g.conns) == 0 {
		return true
	}

	ids, ok := g.online[cc.UserID]
	if !ok {
		panic(fmt.Sprintf("registry: no online entry for user %d while removing conn %d", cc.UserID, cc.ConnID))
	}

	if len(ids) == 1 {
		delete(g.online, cc.UserID)
		g.broadcastEvent(eventUserOffline, cc.UserID)
		return false
	}

	idx := -1
	for i, id := range ids {
		if id == cc.ConnID {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("registry: conn %d missing from online entry of user %d", cc.ConnID, cc.UserID))
	}
	ids[idx] = ids[len(ids)-1]
	g.online[cc.UserID] = ids[:len(ids)-1]
	return false
}

// broadcastEvent fans a presence event out to every connection in the
// group. Dead queues are expected during teardown races and ignored.
func (g *group) broadcastEvent(event string, userID storage.UserID) {
	payload, err := json.Marshal(presenceEvent{Type: event, UserID: userID})
	if err != nil {
		panic(fmt.Sprintf("registry: marshaling presence event: %v", err))
	}
	for _, q := range g.conns {
		_ = q.Send(payload)
	}
	presenceEvents.WithLabelValues(event).Inc()
}
