package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RaftClient delivers RPCs to other servers of the cluster
type RaftClient interface {
	SendAppendEntries(ctx context.Context, serverID uint32, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	SendRequestVote(ctx context.Context, serverID uint32, req *RequestVoteRequest) (*RequestVoteResponse, error)
}

// HTTPRaftClient sends RPCs as JSON over HTTP, see HTTPHandler for the receiving side
type HTTPRaftClient struct {
	// peers maps server IDs to addresses, e.g. {1: "localhost:8001", 2: "localhost:8002"}
	peers      map[uint32]string
	httpClient *http.Client
}

func NewHTTPRaftClient(peers map[uint32]string, timeout time.Duration) *HTTPRaftClient {
	return &HTTPRaftClient{
		peers: peers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPRaftClient) SendAppendEntries(ctx context.Context, serverID uint32, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var res AppendEntriesResponse
	if err := c.post(ctx, serverID, "/append_entries", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPRaftClient) SendRequestVote(ctx context.Context, serverID uint32, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	var res RequestVoteResponse
	if err := c.post(ctx, serverID, "/request_vote", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPRaftClient) post(ctx context.Context, serverID uint32, path string, req, res interface{}) error {
	addr, ok := c.peers[serverID]
	if !ok {
		return fmt.Errorf("invalid server ID: %d", serverID)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server %d: unexpected status code %d: %s", serverID, resp.StatusCode, bytes.TrimSpace(body))
	}

	return json.NewDecoder(resp.Body).Decode(res)
}
