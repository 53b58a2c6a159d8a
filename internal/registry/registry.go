// Package registry coordinates the process-wide group map: connect,
// disconnect, broadcast, and kick operations over live connections.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/loftchat/loft/internal/storage"
)

// KickCloseCode is the application close code delivered to every
// connection of a kicked user.
const KickCloseCode = 4000

// kickCloseReason accompanies KickCloseCode on the wire.
const kickCloseReason = "kick"

// shardCount fixes the number of independently locked segments of the
// group map. Group IDs are hashed across shards so one group's slow
// first-activation fetch only blocks groups sharing its shard.
const shardCount = 32

// ConnContext is the immutable identity of one live connection, fixed
// at upgrade time.
type ConnContext struct {
	UserID  storage.UserID
	GroupID storage.GroupID
	ConnID  ConnID
}

type shard struct {
	mu     sync.RWMutex
	groups map[storage.GroupID]*group
}

// Registry is the process-wide map from group ID to live group state.
// A group exists in the map iff it has at least one open connection;
// empty groups are deleted, never retained.
type Registry struct {
	store  storage.Store
	logger *zap.Logger
	shards [shardCount]shard
}

// New creates an empty registry backed by the given store for lazy
// channel fetches.
func New(store storage.Store, logger *zap.Logger) *Registry {
	r := &Registry{
		store:  store,
		logger: logger.With(zap.String("component", "registry")),
	}
	for i := range r.shards {
		r.shards[i].groups = make(map[storage.GroupID]*group)
	}
	return r
}

func (r *Registry) shard(groupID storage.GroupID) *shard {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(groupID) >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return &r.shards[h.Sum32()%shardCount]
}

// Connect registers a connection with its group, creating the group on
// its first connection. The channel-list fetch for a brand-new group
// runs under the shard's write lock: concurrent first-connections to
// the same group serialize so the fetch happens exactly once. On a
// storage error the map is left untouched and the caller must abort
// connection setup.
func (r *Registry) Connect(ctx context.Context, cc ConnContext, q *Queue) error {
	s := r.shard(cc.GroupID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[cc.GroupID]; ok {
		g.insertConn(cc, q)
		connectionsActive.Inc()
		return nil
	}

	channels, err := r.store.GroupChannels(ctx, cc.GroupID)
	if err != nil {
		return fmt.Errorf("activating group %d: %w", cc.GroupID, err)
	}
	s.groups[cc.GroupID] = newGroup(channels, cc, q)
	groupsActive.Inc()
	connectionsActive.Inc()
	r.logger.Debug("group activated",
		zap.Int64("group_id", int64(cc.GroupID)),
		zap.Uint64("conn_id", uint64(cc.ConnID)))
	return nil
}

// Disconnect removes a connection from its group, deleting the group
// when its last connection goes away. It never fails: disconnecting a
// connection the registry does not know about means the registry is
// corrupt, which panics.
func (r *Registry) Disconnect(cc ConnContext) {
	s := r.shard(cc.GroupID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[cc.GroupID]
	if !ok {
		panic(fmt.Sprintf("registry: disconnect for unknown group %d (conn %d)", cc.GroupID, cc.ConnID))
	}
	if g.removeConn(cc) {
		delete(s.groups, cc.GroupID)
		groupsActive.Dec()
		r.logger.Debug("group deactivated", zap.Int64("group_id", int64(cc.GroupID)))
	}
	connectionsActive.Dec()
}

// Kick enqueues a close directive on every connection the user holds in
// every group. A user may be present in several groups at once and must
// be kicked everywhere, so this scans the whole map under read locks.
// Kick is advisory: it does not wait for queues to drain, and sends to
// already-dead queues are ignored.
func (r *Registry) Kick(userID storage.UserID) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, g := range s.groups {
			for _, connID := range g.online[userID] {
				if q, ok := g.conns[connID]; ok {
					_ = q.SendClose(KickCloseCode, kickCloseReason)
				}
			}
		}
		s.mu.RUnlock()
	}
	kicksTotal.Inc()
}

// Broadcast fans a payload out to every connection in the group. Sends
// to dead queues are ignored. Broadcasting to an inactive group is a
// no-op.
func (r *Registry) Broadcast(groupID storage.GroupID, payload []byte) {
	s := r.shard(groupID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return
	}
	for _, q := range g.conns {
		_ = q.Send(payload)
	}
}

// OnlineUsers returns the users with at least one open connection in
// the group. The result is a snapshot; it is empty for inactive groups.
func (r *Registry) OnlineUsers(groupID storage.GroupID) []storage.UserID {
	s := r.shard(groupID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	users := make([]storage.UserID, 0, len(g.online))
	for userID := range g.online {
		users = append(users, userID)
	}
	return users
}

// Channels returns the group's cached channel list and whether the
// group is active. The list reflects storage at activation time.
func (r *Registry) Channels(groupID storage.GroupID) ([]storage.Channel, bool) {
	s := r.shard(groupID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, false
	}
	channels := make([]storage.Channel, len(g.channels))
	copy(channels, g.channels)
	return channels, true
}

// ConnCount returns the number of open connections in the group, zero
// for inactive groups.
func (r *Registry) ConnCount(groupID storage.GroupID) int {
	s := r.shard(groupID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return 0
	}
	return len(g.conns)
}

// GroupCount returns the number of active groups.
func (r *Registry) GroupCount() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		total += len(s.groups)
		s.mu.RUnlock()
	}
	return total
}
