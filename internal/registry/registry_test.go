package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loftchat/loft/internal/storage"
)

// fakeStore counts channel fetches and serves canned results. The
// remaining Store methods exist only to satisfy the interface; the
// registry never calls them.
type fakeStore struct {
	mu       sync.Mutex
	fetches  int
	channels []storage.Channel
	err      error
}

var _ storage.Store = (*fakeStore)(nil)

func (f *fakeStore) GroupChannels(_ context.Context, _ storage.GroupID) ([]storage.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.channels, nil
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeStore) SessionUserID(context.Context, string) (storage.UserID, bool, error) {
	return 0, false, nil
}

func (f *fakeStore) IsGroupMember(context.Context, storage.UserID, storage.GroupID) (bool, error) {
	return false, nil
}

func (f *fakeStore) CreateGroup(context.Context, string, string) (storage.GroupID, bool, error) {
	return 0, false, nil
}

func (f *fakeStore) GroupList(context.Context, storage.UserID) ([]storage.Group, error) {
	return nil, nil
}

func (f *fakeStore) UpsertUser(context.Context, storage.Profile) (storage.UserID, error) {
	return 0, nil
}

func (f *fakeStore) CreateSession(context.Context, string, storage.UserID) error { return nil }
func (f *fakeStore) DeleteSession(context.Context, string) error                 { return nil }

func newTestRegistry(t *testing.T) (*Registry, *fakeStore) {
	t.Helper()
	store := &fakeStore{channels: []storage.Channel{
		{ChannelID: 1, Name: "general"},
		{ChannelID: 2, Name: "random"},
	}}
	return New(store, zap.NewNop()), store
}

func connect(t *testing.T, r *Registry, userID storage.UserID, groupID storage.GroupID) (ConnContext, *Queue) {
	t.Helper()
	cc := ConnContext{UserID: userID, GroupID: groupID, ConnID: NextConnID()}
	q := NewQueue(zap.NewNop())
	require.NoError(t, r.Connect(context.Background(), cc, q))
	return cc, q
}

// checkInvariants walks the whole map and asserts the structural
// invariants: no empty group is retained, online lists are non-empty,
// and every listed connection is an open connection of the group.
func checkInvariants(t *testing.T, r *Registry) {
	t.Helper()
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for groupID, g := range s.groups {
			assert.NotEmpty(t, g.conns, "group %d retained while empty", groupID)
			for userID, ids := range g.online {
				assert.NotEmpty(t, ids, "user %d has an empty online entry in group %d", userID, groupID)
				for _, id := range ids {
					_, open := g.conns[id]
					assert.True(t, open, "online entry of user %d references closed conn %d", userID, id)
				}
			}
		}
		s.mu.RUnlock()
	}
}

// presenceEvents decodes the presence events currently queued for a
// connection, filtered by user.
func queuedPresenceEvents(t *testing.T, q *Queue, userID storage.UserID) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for _, f := range q.pendingFrames() {
		if f.kind != frameData {
			continue
		}
		var ev presenceEvent
		if err := json.Unmarshal(f.payload, &ev); err != nil {
			continue
		}
		if (ev.Type == eventUserOnline || ev.Type == eventUserOffline) && ev.UserID == userID {
			counts[ev.Type]++
		}
	}
	return counts
}

func queuedCloses(q *Queue) []closeRecord {
	var closes []closeRecord
	for _, f := range q.pendingFrames() {
		if f.kind == frameClose {
			closes = append(closes, closeRecord{code: f.code, reason: f.reason})
		}
	}
	return closes
}

// TestConnectDisconnectScenario runs the canonical single-connection
// scenario: one connect activates the group, the matching disconnect
// deletes it.
func TestConnectDisconnectScenario(t *testing.T) {
	r, store := newTestRegistry(t)

	cc, _ := connect(t, r, 3, 7)
	assert.Equal(t, 1, r.GroupCount())
	assert.Equal(t, 1, r.ConnCount(7))
	assert.Equal(t, []storage.UserID{3}, r.OnlineUsers(7))

	channels, active := r.Channels(7)
	require.True(t, active)
	assert.Len(t, channels, 2)
	assert.Equal(t, 1, store.fetchCount())
	checkInvariants(t, r)

	r.Disconnect(cc)
	assert.Equal(t, 0, r.GroupCount())
	assert.Equal(t, 0, r.ConnCount(7))
	assert.Empty(t, r.OnlineUsers(7))

	_, active = r.Channels(7)
	assert.False(t, active)
	checkInvariants(t, r)
}

// TestConnectStorageFailure verifies that a failed channel fetch leaves
// the map untouched.
func TestConnectStorageFailure(t *testing.T) {
	r, store := newTestRegistry(t)
	store.err = errors.New("database unavailable")

	cc := ConnContext{UserID: 3, GroupID: 7, ConnID: NextConnID()}
	err := r.Connect(context.Background(), cc, NewQueue(zap.NewNop()))
	require.Error(t, err)
	assert.Equal(t, 0, r.GroupCount())

	// A later connect with a healthy store succeeds from scratch.
	store.err = nil
	_, _ = connect(t, r, 3, 7)
	assert.Equal(t, 1, r.GroupCount())
	checkInvariants(t, r)
}

// TestConcurrentFirstConnections launches 50 concurrent first
// connections to the same brand-new group and expects exactly one
// channel fetch with no lost connections.
func TestConcurrentFirstConnections(t *testing.T) {
	r, store := newTestRegistry(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(user storage.UserID) {
			defer wg.Done()
			cc := ConnContext{UserID: user, GroupID: 42, ConnID: NextConnID()}
			assert.NoError(t, r.Connect(context.Background(), cc, NewQueue(zap.NewNop())))
		}(storage.UserID(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, store.fetchCount())
	assert.Equal(t, 1, r.GroupCount())
	assert.Equal(t, n, r.ConnCount(42))
	assert.Len(t, r.OnlineUsers(42), n)
	checkInvariants(t, r)
}

// TestPresenceEventCounting verifies the one-event-per-transition
// contract: a user connecting N times and disconnecting N times emits
// exactly one online and one offline event, as observed by another
// group member whose connection keeps the group alive.
func TestPresenceEventCounting(t *testing.T) {
	r, _ := newTestRegistry(t)

	const observerUser, noisyUser storage.UserID = 100, 200
	_, observerQ := connect(t, r, observerUser, 7)

	const n = 5
	ccs := make([]ConnContext, 0, n)
	for i := 0; i < n; i++ {
		cc, _ := connect(t, r, noisyUser, 7)
		ccs = append(ccs, cc)
	}
	checkInvariants(t, r)

	// Remove in an order different from insertion to exercise the
	// swap-removal path.
	for _, idx := range []int{2, 0, 4, 1, 3} {
		r.Disconnect(ccs[idx])
		checkInvariants(t, r)
	}

	counts := queuedPresenceEvents(t, observerQ, noisyUser)
	assert.Equal(t, 1, counts[eventUserOnline], "want exactly one online event")
	assert.Equal(t, 1, counts[eventUserOffline], "want exactly one offline event")

	// The observer's own creation-time transition also counts once.
	own := queuedPresenceEvents(t, observerQ, observerUser)
	assert.Equal(t, 1, own[eventUserOnline])
}

// TestKickTargetsEveryConnectionOfUser covers the multi-group kick
// scenario: two connections in one group and one in another all get the
// close directive, and nobody else does.
func TestKickTargetsEveryConnectionOfUser(t *testing.T) {
	r, _ := newTestRegistry(t)

	const kicked, bystander storage.UserID = 1, 2
	_, q1 := connect(t, r, kicked, 10)
	_, q2 := connect(t, r, kicked, 10)
	_, q3 := connect(t, r, kicked, 20)
	_, bystanderQ := connect(t, r, bystander, 10)

	r.Kick(kicked)

	for i, q := range []*Queue{q1, q2, q3} {
		closes := queuedCloses(q)
		require.Len(t, closes, 1, "connection %d of kicked user", i+1)
		assert.Equal(t, KickCloseCode, closes[0].code)
		assert.Equal(t, "kick", closes[0].reason)
	}
	assert.Empty(t, queuedCloses(bystanderQ))
	checkInvariants(t, r)
}

// TestKickSurvivesDeadQueues verifies that kicking a user whose
// forwarders already terminated neither panics nor corrupts the map.
func TestKickSurvivesDeadQueues(t *testing.T) {
	r, _ := newTestRegistry(t)

	cc, q := connect(t, r, 1, 10)
	q.markDead()

	r.Kick(1)
	checkInvariants(t, r)

	r.Disconnect(cc)
	assert.Equal(t, 0, r.GroupCount())
}

// TestBroadcastReachesAllGroupConnections verifies group fan-out and
// that inactive groups are a no-op.
func TestBroadcastReachesAllGroupConnections(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, q1 := connect(t, r, 1, 10)
	_, q2 := connect(t, r, 2, 10)
	_, otherQ := connect(t, r, 3, 20)

	r.Broadcast(10, []byte("hello"))
	r.Broadcast(999, []byte("nobody home"))

	for _, q := range []*Queue{q1, q2} {
		var data [][]byte
		for _, f := range q.pendingFrames() {
			if f.kind == frameData && string(f.payload) == "hello" {
				data = append(data, f.payload)
			}
		}
		assert.Len(t, data, 1)
	}
	for _, f := range otherQ.pendingFrames() {
		assert.NotEqual(t, "hello", string(f.payload))
	}
}

// TestDisconnectUnknownGroupPanics pins the crash-only contract for
// registry corruption.
func TestDisconnectUnknownGroupPanics(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.Panics(t, func() {
		r.Disconnect(ConnContext{UserID: 1, GroupID: 99, ConnID: 12345})
	})
}

// TestRemoveConnMissingUserEntryPanics pins the same contract one level
// down: a connection whose user entry vanished means corruption.
func TestRemoveConnMissingUserEntryPanics(t *testing.T) {
	g := newGroup(nil, ConnContext{UserID: 1, GroupID: 7, ConnID: 1}, NewQueue(zap.NewNop()))
	g.insertConn(ConnContext{UserID: 2, GroupID: 7, ConnID: 2}, NewQueue(zap.NewNop()))

	delete(g.online, 2)

	assert.Panics(t, func() {
		g.removeConn(ConnContext{UserID: 2, GroupID: 7, ConnID: 2})
	})
}

// TestMultiConnUserStaysOnline verifies that a user with several
// connections stays listed until the last one in the group goes away.
func TestMultiConnUserStaysOnline(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, _ = connect(t, r, 9, 7) // keeps the group alive
	cc1, _ := connect(t, r, 5, 7)
	cc2, _ := connect(t, r, 5, 7)

	r.Disconnect(cc1)
	assert.Contains(t, r.OnlineUsers(7), storage.UserID(5))

	r.Disconnect(cc2)
	assert.NotContains(t, r.OnlineUsers(7), storage.UserID(5))
	checkInvariants(t, r)
}
