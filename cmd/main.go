package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	service "github.com/Konstantsiy/casual-fs/file-service"
	store "github.com/Konstantsiy/casual-fs/file-store"
	raftserver "github.com/Konstantsiy/casual-fs/raft-server"
	storage "github.com/Konstantsiy/casual-fs/raft-storage"
	state_machine "github.com/Konstantsiy/casual-fs/state-machine"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config, replaces the other flags")
		id          = flag.Uint("id", 0, "ID of this server")
		port        = flag.String("port", "8000", "HTTP port")
		peers       = flag.String("peers", "", "Comma separated list of id=address of all servers, this one included (e.g., 1=localhost:8001,2=localhost:8002)")
		dataDir     = flag.String("data", "./data", "Data directory for persistent state")
		logEngine   = flag.String("log-engine", storage.EngineFile, "Raft log engine: file, leveldb or memory")
		storeEngine = flag.String("store-engine", store.EngineBadger, "File store engine: badger or memory")
	)

	flag.Parse()

	var config *raftserver.Config
	var err error

	if *configPath != "" {
		config, err = raftserver.LoadConfig(*configPath)
	} else {
		config, err = configFromFlags(uint32(*id), *peers, *dataDir, *logEngine, *storeEngine)
	}
	if err != nil {
		log.Fatal(err)
	}

	// the server listens on the port of its own address when it comes from the config
	var listenPort = *port
	if *configPath != "" {
		if _, p, _err := net.SplitHostPort(config.Node.Address); _err == nil {
			listenPort = p
		}
	}

	if err = run(config, listenPort); err != nil {
		log.Fatal(err)
	}
}

func configFromFlags(id uint32, peers, dataDir, logEngine, storeEngine string) (*raftserver.Config, error) {
	if id == 0 {
		return nil, fmt.Errorf("server ID must be provided")
	}

	peerList, err := raftserver.ParsePeers(peers)
	if err != nil {
		return nil, err
	}

	var config = &raftserver.Config{
		Node:    raftserver.NodeConfig{ID: id, DataDir: dataDir},
		Cluster: raftserver.ClusterConfig{Peers: peerList},
		Raft:    raftserver.DefaultRaftConfig(),
		Store:   raftserver.DefaultStoreConfig(),
	}
	config.Node.Address = config.GetPeers()[id]
	config.Raft.LogEngine = logEngine
	config.Store.Engine = storeEngine

	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func run(config *raftserver.Config, port string) error {
	var logger = log.New(os.Stderr, fmt.Sprintf("[node %d] ", config.Node.ID), log.LstdFlags|log.Lmicroseconds)

	if err := os.MkdirAll(config.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	raftStorage, err := storage.Open(config.Raft.LogEngine, config.Node.DataDir, config.Node.ID)
	if err != nil {
		return fmt.Errorf("failed to open raft storage: %w", err)
	}

	fileStore, err := store.Open(config.Store.Engine, store.Options{
		Dir:          filepath.Join(config.Node.DataDir, fmt.Sprintf("files-%d", config.Node.ID)),
		MaxBlockSize: config.Store.MaxBlockSize,
	})
	if err != nil {
		_ = raftStorage.Close()
		return fmt.Errorf("failed to open file store: %w", err)
	}
	defer fileStore.Close()

	sm, err := state_machine.New(fileStore, config.Store.ResultTTL, logger)
	if err != nil {
		_ = raftStorage.Close()
		return fmt.Errorf("failed to create state machine: %w", err)
	}

	var peers = config.GetPeers()

	server, err := raftserver.NewServer(raftserver.Options{
		ID:                  config.Node.ID,
		Peers:               peers,
		Storage:             raftStorage,
		StateMachine:        sm,
		Client:              raftserver.NewHTTPRaftClient(peers, config.Raft.RPCTimeout),
		ElectionTimeoutMin:  config.Raft.ElectionTimeoutMin,
		ElectionTimeoutMax:  config.Raft.ElectionTimeoutMax,
		HeartbeatInterval:   config.Raft.HeartbeatInterval,
		RPCTimeout:          config.Raft.RPCTimeout,
		MaxEntriesPerAppend: config.Raft.MaxEntriesPerAppend,
		Logger:              logger,
	})
	if err != nil {
		_ = raftStorage.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	server.Start()
	defer server.Shutdown()

	mux := http.NewServeMux()
	raftserver.NewHTTPHandler(server).RegisterHandlers(mux)

	fileService := service.New(server, sm, fileStore, fileStore, logger)
	service.NewHTTPHandler(fileService, config.Store.MaxBlockSize).RegisterHandlers(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: service.WithRequestID(mux, logger),
	}

	var errCh = make(chan error, 1)
	go func() {
		logger.Printf("listening on port %s, peers %v", port, peers)
		if _err := httpServer.ListenAndServe(); !errors.Is(_err, http.ErrServerClosed) {
			errCh <- _err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Printf("received %s, shutting down...", sig)
	case err = <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
