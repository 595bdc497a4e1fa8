package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	store "github.com/Konstantsiy/casual-fs/file-store"
	storage "github.com/Konstantsiy/casual-fs/raft-storage"
	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    RaftConfig    `yaml:"raft"`
	Store   StoreConfig   `yaml:"store"`
}

type NodeConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	ElectionTimeoutMin  time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	MaxEntriesPerAppend int           `yaml:"max_entries_per_append"`

	// LogEngine is "file" or "leveldb"
	LogEngine string `yaml:"log_engine"`
}

type StoreConfig struct {
	// Engine is "badger" or "memory"
	Engine       string            `yaml:"engine"`
	MaxBlockSize datasize.ByteSize `yaml:"max_block_size"`

	// ResultTTL is how long apply results wait for the client request that proposed them
	ResultTTL time.Duration `yaml:"result_ttl"`
}

func DefaultRaftConfig() RaftConfig {
	return RaftConfig{
		ElectionTimeoutMin:  300 * time.Millisecond,
		ElectionTimeoutMax:  600 * time.Millisecond,
		HeartbeatInterval:   50 * time.Millisecond,
		RPCTimeout:          200 * time.Millisecond,
		MaxEntriesPerAppend: 64,
		LogEngine:           storage.EngineFile,
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Engine:       store.EngineBadger,
		MaxBlockSize: 4 * datasize.MB,
		ResultTTL:    5 * time.Minute,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes a YAML config, filling omitted raft and store settings with defaults
func ParseConfig(data []byte) (*Config, error) {
	var config = Config{
		Raft:  DefaultRaftConfig(),
		Store: DefaultStoreConfig(),
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be greater than 0")
	}

	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}

	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address)
			}
			break
		}
	}

	if !found {
		return fmt.Errorf("node.id=%d not found in cluster.peers", c.Node.ID)
	}

	uniqueIDs := make(map[uint32]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("peer ID must be greater than 0")
		}
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %d", peer.ID)
		}
		uniqueIDs[peer.ID] = true
	}

	if err := c.Raft.Validate(); err != nil {
		return err
	}

	return c.Store.Validate()
}

func (c RaftConfig) Validate() error {
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("raft election timeouts must satisfy 0 < min <= max, got %s..%s",
			c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}

	// followers must hear from the leader well before they give up on it
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("raft.heartbeat_interval=%s must be below raft.election_timeout_min=%s",
			c.HeartbeatInterval, c.ElectionTimeoutMin)
	}

	if c.RPCTimeout <= 0 {
		return fmt.Errorf("raft.rpc_timeout must be positive")
	}

	if c.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("raft.max_entries_per_append must be positive")
	}

	switch c.LogEngine {
	case storage.EngineFile, storage.EngineLevelDB, storage.EngineMemory:
	default:
		return fmt.Errorf("unknown raft.log_engine: %q", c.LogEngine)
	}

	return nil
}

func (c StoreConfig) Validate() error {
	switch c.Engine {
	case store.EngineBadger, store.EngineMemory:
	default:
		return fmt.Errorf("unknown store.engine: %q", c.Engine)
	}

	if c.MaxBlockSize == 0 {
		return fmt.Errorf("store.max_block_size must be positive")
	}

	if c.ResultTTL <= 0 {
		return fmt.Errorf("store.result_ttl must be positive")
	}

	return nil
}

func (c *Config) GetPeers() map[uint32]string {
	var res = make(map[uint32]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[peer.ID] = peer.Address
	}
	return res
}

func (c *Config) GetPeerIDs() []uint32 {
	ids := make([]uint32, len(c.Cluster.Peers))
	for i, peer := range c.Cluster.Peers {
		ids[i] = peer.ID
	}
	return ids
}

// ParsePeers parses the --peers flag: "1=localhost:8001,2=localhost:8002"
func ParsePeers(s string) ([]PeerConfig, error) {
	var peers []PeerConfig

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idStr, addr, ok := strings.Cut(part, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=address", part)
		}

		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id %q: %w", idStr, err)
		}

		peers = append(peers, PeerConfig{ID: uint32(id), Address: addr})
	}

	if len(peers) == 0 {
		return nil, fmt.Errorf("no peers given")
	}

	return peers, nil
}
