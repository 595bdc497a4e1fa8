package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	casualfs "github.com/Konstantsiy/casual-fs"
	storage "github.com/Konstantsiy/casual-fs/raft-storage"
	"github.com/stretchr/testify/require"
)

type mockCluster struct {
	t *testing.T

	network   *mockNetwork
	servers   map[uint32]*Server
	sms       map[uint32]*testStateMachine
	serverIDs []uint32
}

func newMockCluster(t *testing.T, n int) *mockCluster {
	serverIDs := make([]uint32, n)
	for i := 0; i < n; i++ {
		serverIDs[i] = uint32(i + 1)
	}

	network := newMockNetwork()

	cluster := &mockCluster{
		t:         t,
		network:   network,
		servers:   make(map[uint32]*Server, n),
		sms:       make(map[uint32]*testStateMachine, n),
		serverIDs: serverIDs,
	}

	for _, id := range serverIDs {
		opts := testOptions(id, serverIDs, storage.NewMemory(), network.client(id))
		sm := opts.StateMachine.(*testStateMachine)

		server, err := NewServer(opts)
		if err != nil {
			t.Fatalf("Failed to create server %d: %v", id, err)
		}

		cluster.servers[id] = server
		cluster.sms[id] = sm
		network.add(server)
	}

	return cluster
}

func (c *mockCluster) startAll() {
	for _, server := range c.servers {
		server.Start()
	}
}

func (c *mockCluster) shutdown() {
	for _, server := range c.servers {
		server.Shutdown()
	}
}

// getLeader returns the leader with the highest term among connected servers
func (c *mockCluster) getLeader() *Server {
	var leader *Server
	var leaderTerm uint32

	for _, server := range c.servers {
		if c.network.isDisconnected(server.ID) {
			continue
		}

		term, isLeader := server.State()
		if isLeader && (leader == nil || term > leaderTerm) {
			leader, leaderTerm = server, term
		}
	}

	return leader
}

func (c *mockCluster) countByState(state State) int {
	count := 0
	for _, server := range c.servers {
		if server.Status().Role == state {
			count++
		}
	}
	return count
}

func (c *mockCluster) waitForLeader(timeout time.Duration) (*Server, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		leader := c.getLeader()
		if leader != nil {
			return leader, nil
		}

		time.Sleep(20 * time.Millisecond)
	}

	return nil, fmt.Errorf("no leader elected within timeout")
}

func (c *mockCluster) waitForCondition(timeout time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within timeout")
}

func (c *mockCluster) getServerStateAndTerm(id uint32) (State, uint32) {
	var status = c.servers[id].Status()
	return status.Role, status.Term
}

// propose sends cmd to the leader and waits until the leader applied it
func (c *mockCluster) propose(leader *Server, cmd string) error {
	index, term, err := leader.Propose([]byte(cmd))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	return leader.WaitApplied(ctx, index, term)
}

func (c *mockCluster) allApplied(cmds ...string) func() bool {
	return func() bool {
		for _, sm := range c.sms {
			var applied = sm.commands()
			if len(applied) != len(cmds) {
				return false
			}
			for i := range cmds {
				if applied[i] != cmds[i] {
					return false
				}
			}
		}
		return true
	}
}

func (c *mockCluster) logOf(id uint32) string {
	var server = c.servers[id]
	server.mx.RLock()
	defer server.mx.RUnlock()
	return formatLog(server.persistentState.log)
}

// watchLeaders samples every server until the returned func is called,
// which returns the leaders seen in each term
func (c *mockCluster) watchLeaders() func() map[uint32]map[uint32]bool {
	var seen = make(map[uint32]map[uint32]bool)
	var stop = make(chan struct{})
	var done = make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			for _, server := range c.servers {
				var status = server.Status()
				if status.Role != Leader {
					continue
				}
				if seen[status.Term] == nil {
					seen[status.Term] = make(map[uint32]bool)
				}
				seen[status.Term][status.ID] = true
			}
		}
	}()

	var once sync.Once
	var finish = func() map[uint32]map[uint32]bool {
		once.Do(func() {
			close(stop)
			<-done
		})
		return seen
	}
	c.t.Cleanup(func() { finish() })

	return finish
}

// mockNetwork connects servers in memory, a disconnected server can neither send nor receive
type mockNetwork struct {
	mx sync.RWMutex

	servers      map[uint32]*Server
	disconnected map[uint32]bool

	requestVoteCalls   atomic.Int32
	appendEntriesCalls atomic.Int32
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		servers:      make(map[uint32]*Server),
		disconnected: make(map[uint32]bool),
	}
}

func (n *mockNetwork) add(server *Server) {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.servers[server.ID] = server
}

func (n *mockNetwork) client(from uint32) *mockRaftClient {
	return &mockRaftClient{network: n, from: from}
}

func (n *mockNetwork) disconnect(serverID uint32) {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.disconnected[serverID] = true
}

func (n *mockNetwork) reconnect(serverID uint32) {
	n.mx.Lock()
	defer n.mx.Unlock()
	delete(n.disconnected, serverID)
}

func (n *mockNetwork) isDisconnected(serverID uint32) bool {
	n.mx.RLock()
	defer n.mx.RUnlock()
	return n.disconnected[serverID]
}

func (n *mockNetwork) route(from, to uint32) (*Server, error) {
	n.mx.RLock()
	defer n.mx.RUnlock()

	if n.disconnected[from] || n.disconnected[to] {
		return nil, fmt.Errorf("server %d -> %d disconnected", from, to)
	}

	server := n.servers[to]
	if server == nil {
		return nil, fmt.Errorf("server %d not found", to)
	}

	return server, nil
}

type mockRaftClient struct {
	network *mockNetwork
	from    uint32
}

func (c *mockRaftClient) SendRequestVote(_ context.Context, serverID uint32, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	c.network.requestVoteCalls.Add(1)

	server, err := c.network.route(c.from, serverID)
	if err != nil {
		return nil, err
	}

	return server.HandleRequestVote(req)
}

func (c *mockRaftClient) SendAppendEntries(_ context.Context, serverID uint32, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	c.network.appendEntriesCalls.Add(1)

	server, err := c.network.route(c.from, serverID)
	if err != nil {
		return nil, err
	}

	return server.HandleAppendEntries(req)
}

func TestServerElection_SingleServerBecomesLeader(t *testing.T) {
	cluster := newMockCluster(t, 1)
	defer cluster.shutdown()

	serverID := cluster.serverIDs[0]
	server := cluster.servers[serverID]

	state, term := cluster.getServerStateAndTerm(server.ID)
	require.Equal(t, Follower, state, "Server state should be Follower")
	require.Equal(t, uint32(0), term, "Term should be 0")

	// start election time when the server starts
	server.Start()

	leader, err := cluster.waitForLeader(2 * testElectionTimeoutMax)
	require.NoError(t, err)
	require.Equal(t, serverID, leader.ID)

	state, term = cluster.getServerStateAndTerm(server.ID)
	require.Equal(t, Leader, state, "Server state should be Leader")
	require.Equal(t, uint32(1), term, "Term should be 1 after the first election")

	server.mx.RLock()
	votedFor := server.persistentState.votedFor
	server.mx.RUnlock()

	require.Equal(t, serverID, votedFor, "Expected server to vote for itself")

	// a cluster of one commits on its own
	require.NoError(t, cluster.propose(server, "cmd1"))
	require.Equal(t, []string{"cmd1"}, cluster.sms[serverID].commands())
}

func TestServerElection_FiveServers_OneLeader_WithNetworkPartition(t *testing.T) {
	numOfServers := 5
	cluster := newMockCluster(t, numOfServers)
	defer cluster.shutdown()

	var stopWatching = cluster.watchLeaders()
	cluster.startAll()

	t.Logf("Wait for leader election...")
	leader, err := cluster.waitForLeader(3 * time.Second)
	require.NoError(t, err, "Failed to elect leader")

	t.Logf("Leader elected: %d", leader.ID)

	// every other server follows the leader of the same term
	var leaderTerm uint32
	err = cluster.waitForCondition(2*time.Second, func() bool {
		leader = cluster.getLeader()
		if leader == nil {
			return false
		}

		leaderTerm, _ = leader.State()
		for _, server := range cluster.servers {
			var status = server.Status()
			if status.Term != leaderTerm {
				return false
			}
			if server != leader && (status.Role != Follower || status.LeaderID != leader.ID) {
				return false
			}
		}
		return true
	})
	require.NoError(t, err, "Followers didn't settle on the leader")
	require.True(t, leaderTerm > 0, "Term should be positive after an election")
	require.Equal(t, 1, cluster.countByState(Leader), "Expected only 1 leader")

	totalVoteRequests := int(cluster.network.requestVoteCalls.Load())
	t.Logf("Total vote requests: %d", totalVoteRequests)
	require.GreaterOrEqual(t, totalVoteRequests, numOfServers-1)

	t.Logf("Disconnect the leader...")
	cluster.network.disconnect(leader.ID)

	// the majority elects a new leader in a higher term
	var newLeader *Server
	err = cluster.waitForCondition(3*time.Second, func() bool {
		newLeader = cluster.getLeader()
		if newLeader == nil {
			return false
		}
		term, _ := newLeader.State()
		return term > leaderTerm
	})
	require.NoError(t, err, "Failed to elect a new leader")
	t.Logf("New leader elected: %d", newLeader.ID)

	// the old leader doesn't know yet
	_, isLeader := leader.State()
	require.True(t, isLeader)

	t.Logf("Reconnect the old leader...")
	cluster.network.reconnect(leader.ID)

	// the old leader hears about the higher term and steps down
	err = cluster.waitForCondition(3*time.Second, func() bool {
		return cluster.countByState(Leader) == 1 && leader.Status().Role == Follower
	})
	require.NoError(t, err, "Old leader didn't step down")

	// election safety: never two leaders in the same term
	var leaders = stopWatching()
	require.GreaterOrEqual(t, len(leaders), 2, "both leaders should have been seen")
	for term, ids := range leaders {
		require.Len(t, ids, 1, "term %d had leaders %v", term, ids)
	}
}

func TestServerReplication_EndToEnd(t *testing.T) {
	cluster := newMockCluster(t, 5)
	defer cluster.shutdown()

	cluster.startAll()

	t.Log("Waiting for leader election...")
	leader, err := cluster.waitForLeader(3 * time.Second)
	require.NoError(t, err, "Failed to elect leader")
	t.Logf("Leader elected: server %d", leader.ID)

	t.Log("Sending commands to leader...")
	require.NoError(t, cluster.propose(leader, "cmd1"))
	require.NoError(t, cluster.propose(leader, "cmd2"))

	// the commands should be replicated and applied on all servers, in order
	t.Log("Waiting for log replication...")
	err = cluster.waitForCondition(3*time.Second, cluster.allApplied("cmd1", "cmd2"))
	require.NoError(t, err, "Commands not applied on all servers within timeout")

	// log matching: every server holds the same entries
	var leaderLog = cluster.logOf(leader.ID)
	for _, id := range cluster.serverIDs {
		require.Equal(t, leaderLog, cluster.logOf(id), "Server %d log differs from the leader", id)

		var status = cluster.servers[id].Status()
		t.Logf("Server %d: log=%s commitIndex=%d lastApplied=%d",
			id, cluster.logOf(id), status.CommitIndex, status.LastApplied)
	}
}

func TestServerReplication_ConcurrentProposals(t *testing.T) {
	cluster := newMockCluster(t, 3)
	defer cluster.shutdown()

	cluster.startAll()

	leader, err := cluster.waitForLeader(3 * time.Second)
	require.NoError(t, err)

	const proposals = 50

	var mx sync.Mutex
	var byIndex = make(map[uint32]string, proposals)
	var errs = make(chan error, 2*proposals)
	var wg sync.WaitGroup

	for i := 0; i < proposals; i++ {
		wg.Add(1)
		go func(cmd string) {
			defer wg.Done()

			index, term, err := leader.Propose([]byte(cmd))
			if err != nil {
				errs <- err
				return
			}

			mx.Lock()
			if prev, ok := byIndex[index]; ok {
				errs <- fmt.Errorf("index %d given to both %s and %s", index, prev, cmd)
			}
			byIndex[index] = cmd
			mx.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			if err = leader.WaitApplied(ctx, index, term); err != nil {
				errs <- err
			}
		}(fmt.Sprintf("cmd%d", i))
	}

	wg.Wait()
	close(errs)
	for err = range errs {
		require.NoError(t, err)
	}

	// the proposals took one contiguous run of indices
	require.Len(t, byIndex, proposals)
	var first, last uint32
	for index := range byIndex {
		if first == 0 || index < first {
			first = index
		}
		if index > last {
			last = index
		}
	}
	require.Equal(t, uint32(proposals-1), last-first)

	err = cluster.waitForCondition(3*time.Second, func() bool {
		for _, sm := range cluster.sms {
			if sm.LastApplied() < last {
				return false
			}
		}
		return true
	})
	require.NoError(t, err, "Proposals not applied on all servers within timeout")

	// every server applied each command at the index its proposer got
	for id, sm := range cluster.sms {
		sm.mx.Lock()
		for index, cmd := range byIndex {
			require.Equal(t, cmd, string(sm.applied[index-1].Command), "server %d, index %d", id, index)
		}
		sm.mx.Unlock()
	}
}

func TestServerReplication_FollowerCatchesUp(t *testing.T) {
	cluster := newMockCluster(t, 5)
	defer cluster.shutdown()

	cluster.startAll()

	leader, err := cluster.waitForLeader(3 * time.Second)
	require.NoError(t, err)

	var lagging uint32
	for _, id := range cluster.serverIDs {
		if id != leader.ID {
			lagging = id
			break
		}
	}

	cluster.network.disconnect(lagging)

	// the majority keeps committing without the lagging follower
	for i := 1; i <= 3; i++ {
		require.NoError(t, cluster.propose(leader, fmt.Sprintf("cmd%d", i)))
	}
	require.Empty(t, cluster.sms[lagging].commands())

	cluster.network.reconnect(lagging)

	err = cluster.waitForCondition(3*time.Second, cluster.allApplied("cmd1", "cmd2", "cmd3"))
	require.NoError(t, err, "Lagging follower didn't catch up")
}

func TestServerReplication_MinorityLeaderEntryIsOverwritten(t *testing.T) {
	cluster := newMockCluster(t, 5)
	defer cluster.shutdown()

	cluster.startAll()

	oldLeader, err := cluster.waitForLeader(3 * time.Second)
	require.NoError(t, err)

	require.NoError(t, cluster.propose(oldLeader, "cmd1"))
	require.NoError(t, cluster.waitForCondition(3*time.Second, cluster.allApplied("cmd1")))

	// the leader ends up alone, its proposal can't reach a majority
	cluster.network.disconnect(oldLeader.ID)

	index, term, err := oldLeader.Propose([]byte("lost"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	err = oldLeader.WaitApplied(ctx, index, term)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the majority moves on
	var newLeader *Server
	err = cluster.waitForCondition(3*time.Second, func() bool {
		newLeader = cluster.getLeader()
		return newLeader != nil && newLeader != oldLeader
	})
	require.NoError(t, err)
	require.NoError(t, cluster.propose(newLeader, "cmd2"))

	cluster.network.reconnect(oldLeader.ID)

	ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// the old leader learns it lost leadership, the entry may still be in its log for a moment
	err = oldLeader.WaitApplied(ctx, index, term)
	require.True(t, errors.Is(err, ErrLeadershipLost) || errors.Is(err, ErrEntryOverwritten), "unexpected error: %v", err)

	// then the uncommitted entry is replaced by the new leader's log
	err = cluster.waitForCondition(3*time.Second, func() bool {
		oldLeader.mx.RLock()
		defer oldLeader.mx.RUnlock()
		return oldLeader.termAt(index) != term
	})
	require.NoError(t, err, "Entry of the old leader was not overwritten")

	err = oldLeader.WaitApplied(ctx, index, term)
	require.ErrorIs(t, err, ErrEntryOverwritten)

	err = cluster.waitForCondition(3*time.Second, cluster.allApplied("cmd1", "cmd2"))
	require.NoError(t, err, "Cluster didn't converge")
}

func TestServer_ReadBarrier(t *testing.T) {
	cluster := newMockCluster(t, 3)
	defer cluster.shutdown()

	cluster.startAll()

	leader, err := cluster.waitForLeader(3 * time.Second)
	require.NoError(t, err)
	require.NoError(t, cluster.propose(leader, "cmd1"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// the leader serves linearizable reads once everything before is applied
	require.NoError(t, leader.ReadBarrier(ctx))
	require.Equal(t, []string{"cmd1"}, cluster.sms[leader.ID].commands())

	// followers point to the leader
	for _, id := range cluster.serverIDs {
		if id == leader.ID {
			continue
		}

		err = cluster.waitForCondition(time.Second, func() bool {
			return cluster.servers[id].Status().LeaderID == leader.ID
		})
		require.NoError(t, err)

		err = cluster.servers[id].ReadBarrier(ctx)
		nle, ok := casualfs.IsNotLeader(err)
		require.True(t, ok, "expected NotLeaderError, got %v", err)
		require.Equal(t, leader.ID, nle.LeaderID)
	}

	// a partitioned leader can't confirm its leadership
	cluster.network.disconnect(leader.ID)
	err = leader.ReadBarrier(ctx)
	require.ErrorIs(t, err, ErrLeadershipLost)
}

func TestServer_CrashedFollowerRecovers(t *testing.T) {
	cluster := newMockCluster(t, 3)
	defer cluster.shutdown()

	cluster.startAll()

	leader, err := cluster.waitForLeader(3 * time.Second)
	require.NoError(t, err)

	var crashed *Server
	for _, server := range cluster.servers {
		if server != leader {
			crashed = server
			break
		}
	}

	crashed.Crash()

	// 2 of 3 is still a majority
	require.NoError(t, cluster.propose(leader, "cmd1"))
	require.Empty(t, cluster.sms[crashed.ID].commands())

	crashed.Restore()

	err = cluster.waitForCondition(3*time.Second, cluster.allApplied("cmd1"))
	require.NoError(t, err, "Restored follower didn't catch up")
	require.Equal(t, 1, cluster.countByState(Leader))
}
