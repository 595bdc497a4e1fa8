package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	casualfs "github.com/Konstantsiy/casual-fs"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	docker_network "github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

type testRaftNode struct {
	id        uint32
	container testcontainers.Container
	hostPort  string
}

func (n *testRaftNode) url(path string) string {
	return fmt.Sprintf("http://%s%s", n.hostPort, path)
}

func (n *testRaftNode) health() (*casualfs.HealthResponse, error) {
	resp, err := http.Get(n.url("/health"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	var health casualfs.HealthResponse
	if err = json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}

	return &health, nil
}

func (n *testRaftNode) isLeader() (bool, error) {
	health, err := n.health()
	if err != nil {
		return false, err
	}
	return health.IsLeader && !health.Crashed, nil
}

func (n *testRaftNode) putBlock(data []byte) (string, error) {
	var id = casualfs.BlockID(data)

	req, err := http.NewRequest(http.MethodPut, n.url("/blocks/"+id), bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("put block failed with status %d: %s", resp.StatusCode, string(body))
	}

	return id, nil
}

func (n *testRaftNode) propose(req casualfs.ProposeRequest) (*casualfs.ProposeResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := http.Post(n.url("/files/propose"), "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("propose failed with status %d: %s", resp.StatusCode, string(body))
	}

	var res casualfs.ProposeResponse
	if err = json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (n *testRaftNode) readStale(filename string) (*casualfs.FileMetadata, error) {
	resp, err := http.Get(n.url("/files/" + filename + "?stale=true"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("read failed with status %d", resp.StatusCode)
	}

	var meta casualfs.FileMetadata
	if err = json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

func (n *testRaftNode) crash() error {
	resp, err := http.Post(n.url("/crash"), "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("crash failed with status %d", resp.StatusCode)
	}
	return nil
}

type testRaftCluster struct {
	t   *testing.T
	ctx context.Context

	nodes   []*testRaftNode
	network *testcontainers.DockerNetwork
}

func newE2eTestCluster(t *testing.T, ctx context.Context, nodesCount int) (*testRaftCluster, error) {
	testDockerNetwork, err := docker_network.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start docker network: %v", err)
	}

	cluster := &testRaftCluster{
		t:       t,
		ctx:     ctx,
		network: testDockerNetwork,
	}

	var peers = make([]string, 0, nodesCount)
	for id := 1; id <= nodesCount; id++ {
		peers = append(peers, fmt.Sprintf("%d=raft-node-%d:8000", id, id))
	}

	for id := 1; id <= nodesCount; id++ {
		node, _err := cluster.startNode(uint32(id), strings.Join(peers, ","))
		if _err != nil {
			cluster.shutdown()
			return nil, fmt.Errorf("failed to start node %d: %v", id, _err)
		}

		cluster.nodes = append(cluster.nodes, node)
	}

	for _, node := range cluster.nodes {
		t.Logf(" Node %d http://%s", node.id, node.hostPort)
	}

	return cluster, nil
}

func (c *testRaftCluster) startNode(nodeID uint32, peers string) (*testRaftNode, error) {
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "casual-fs:latest",
			Name:         fmt.Sprintf("raft-node-%d", nodeID),
			ExposedPorts: []string{"8000/tcp"},
			Networks:     []string{c.network.Name},
			NetworkAliases: map[string][]string{
				c.network.Name: {fmt.Sprintf("raft-node-%d", nodeID)},
			},
			Cmd: []string{
				"--id", fmt.Sprintf("%d", nodeID),
				"--port", "8000",
				"--peers", peers,
				"--data", "/data",
			},
			WaitingFor: wait.ForHTTP("/health").
				WithPort("8000/tcp").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	}

	container, err := testcontainers.GenericContainer(c.ctx, req)
	if err != nil {
		return nil, err
	}

	hostPort, err := container.MappedPort(c.ctx, "8000")
	if err != nil {
		_ = container.Terminate(c.ctx)
		return nil, err
	}

	host, err := container.Host(c.ctx)
	if err != nil {
		_ = container.Terminate(c.ctx)
		return nil, err
	}

	return &testRaftNode{
		id:        nodeID,
		container: container,
		hostPort:  fmt.Sprintf("%s:%s", host, hostPort.Port()),
	}, nil
}

func (c *testRaftCluster) shutdown() {
	for _, node := range c.nodes {
		if node.container != nil {
			_ = node.container.Terminate(c.ctx)
		}
	}

	if c.network != nil {
		_ = c.network.Remove(c.ctx)
	}
}

func (c *testRaftCluster) waitForLeader(timeout time.Duration) (*testRaftNode, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		for _, node := range c.nodes {
			isLeader, err := node.isLeader()
			if err == nil && isLeader {
				c.t.Logf("Leader elected: node %d", node.id)
				return node, nil
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	return nil, fmt.Errorf("no leader elected within timeout")
}

func TestE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}

	ctx := context.Background()
	nodesCount := 3

	cluster, err := newE2eTestCluster(t, ctx, nodesCount)
	require.NoError(t, err)
	defer cluster.shutdown()

	leader, err := cluster.waitForLeader(10 * time.Second)
	require.NoError(t, err)

	leaderCount := 0
	for _, node := range cluster.nodes {
		isLeader, _err := node.isLeader()
		if _err == nil && isLeader {
			leaderCount++
		}
	}

	// verify only one leader exists
	require.Equal(t, 1, leaderCount)

	blockID, err := leader.putBlock([]byte("hello, casual-fs"))
	require.NoError(t, err)

	resp, err := leader.propose(casualfs.ProposeRequest{Op: "create", Filename: "hello.txt", BlockIDs: []string{blockID}})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, uint32(1), resp.Version)

	// every replica applies the create
	require.Eventually(t, func() bool {
		for _, node := range cluster.nodes {
			meta, _err := node.readStale("hello.txt")
			if _err != nil || meta.Version != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 100*time.Millisecond)

	// the surviving majority elects a new leader and keeps accepting writes
	require.NoError(t, leader.crash())

	var newLeader *testRaftNode
	require.Eventually(t, func() bool {
		for _, node := range cluster.nodes {
			isLeader, _err := node.isLeader()
			if _err == nil && isLeader && node != leader {
				newLeader = node
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)

	resp, err = newLeader.propose(casualfs.ProposeRequest{Op: "delete", Filename: "hello.txt"})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, uint32(2), resp.Version)

	t.Logf("File operations replicated across the cluster")
}
