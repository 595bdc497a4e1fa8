package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	casualfs "github.com/Konstantsiy/casual-fs"
	"github.com/google/uuid"
)

var ErrNoServers = errors.New("no servers given")

// Client talks to a casual-fs cluster. Writes and linearizable reads go to the
// leader: the client follows leader hints and otherwise tries the servers one
// after another until the context expires.
type Client struct {
	addrs      []string
	httpClient *http.Client
	retryDelay time.Duration

	mx     sync.Mutex
	target string // server requests go to
	next   int    // index in addrs of the server to try after target
}

type Option func(c *Client)

// WithHTTPClient replaces the default client, which times out after 5 seconds
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithRetryDelay sets the pause between two attempts, 50ms by default
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New returns a client for the servers at addrs, e.g. "localhost:8001".
func New(addrs []string, opts ...Option) (*Client, error) {
	if len(addrs) == 0 {
		return nil, ErrNoServers
	}

	c := &Client{
		addrs:      addrs,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		retryDelay: 50 * time.Millisecond,
		target:     addrs[0],
		next:       1 % len(addrs),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) Create(ctx context.Context, filename string, blockIDs []string) (uint32, error) {
	return c.propose(ctx, casualfs.ProposeRequest{Op: "create", Filename: filename, BlockIDs: blockIDs})
}

// Modify replaces the block list of filename. A non-zero version is the
// version the file must get, the op fails with ErrVersionConflict otherwise.
func (c *Client) Modify(ctx context.Context, filename string, blockIDs []string, version uint32) (uint32, error) {
	return c.propose(ctx, casualfs.ProposeRequest{Op: "modify", Filename: filename, BlockIDs: blockIDs, Version: version})
}

func (c *Client) Delete(ctx context.Context, filename string) (uint32, error) {
	return c.propose(ctx, casualfs.ProposeRequest{Op: "delete", Filename: filename})
}

func (c *Client) propose(ctx context.Context, req casualfs.ProposeRequest) (uint32, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	var resp casualfs.ProposeResponse
	if err = c.do(ctx, http.MethodPost, "/files/propose", body, true, &resp); err != nil {
		return resp.Version, err
	}
	return resp.Version, nil
}

// Read is a linearizable read served by the leader.
func (c *Client) Read(ctx context.Context, filename string) (casualfs.FileMetadata, error) {
	var meta casualfs.FileMetadata
	err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(filename), nil, true, &meta)
	return meta, err
}

// ReadStale reads from whichever server answers, it may miss recent writes.
func (c *Client) ReadStale(ctx context.Context, filename string) (casualfs.FileMetadata, error) {
	var meta casualfs.FileMetadata
	err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(filename)+"?stale=true", nil, false, &meta)
	return meta, err
}

// List returns every file including deleted ones.
func (c *Client) List(ctx context.Context, stale bool) ([]casualfs.FileMetadata, error) {
	var path = "/files"
	if stale {
		path += "?stale=true"
	}

	var files []casualfs.FileMetadata
	err := c.do(ctx, http.MethodGet, path, nil, !stale, &files)
	return files, err
}

// PutBlock stores data on the current server and returns its id.
func (c *Client) PutBlock(ctx context.Context, data []byte) (string, error) {
	var id = casualfs.BlockID(data)
	var resp casualfs.PutBlockResponse

	if err := c.do(ctx, http.MethodPut, "/blocks/"+id, data, false, &resp); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) GetBlock(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, http.MethodGet, "/blocks/"+id, nil, false, &data)
	return data, err
}

// HasBlocks returns the ids the current server holds.
func (c *Client) HasBlocks(ctx context.Context, ids []string) ([]string, error) {
	body, err := json.Marshal(casualfs.HasBlocksRequest{BlockIDs: ids})
	if err != nil {
		return nil, err
	}

	var resp casualfs.HasBlocksResponse
	err = c.do(ctx, http.MethodPost, "/blocks/has", body, false, &resp)
	return resp.BlockIDs, err
}

// Leader returns the server the client currently sends requests to.
func (c *Client) Leader() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.target
}

// retryableError is a failure another attempt, maybe on another server, can fix
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// do sends the request until it succeeds, fails for good or ctx expires.
// out is decoded from JSON, or filled with the raw body when it's a *[]byte.
func (c *Client) do(ctx context.Context, method, path string, body []byte, leaderOnly bool, out interface{}) error {
	var requestID = uuid.NewString()
	var lastErr error

	for {
		var target = c.currentTarget()

		err := c.attempt(ctx, target, method, path, body, requestID, out)
		if err == nil {
			return nil
		}

		var rerr *retryableError
		if !errors.As(err, &rerr) {
			return err
		}
		lastErr = err

		if nle, ok := casualfs.IsNotLeader(err); ok && leaderOnly && nle.LeaderAddr != "" {
			c.follow(target, nle.LeaderAddr)
		} else {
			c.rotate(target)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w, last error: %v", ctx.Err(), lastErr)
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Client) attempt(ctx context.Context, target, method, path string, body []byte, requestID string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+target+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Request-ID", requestID)
	if body != nil && method != http.MethodPut {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if raw, ok := out.(*[]byte); ok {
			*raw = data
			return nil
		}
		return json.Unmarshal(data, out)

	case http.StatusMisdirectedRequest:
		var nl casualfs.NotLeaderResponse
		if err = json.Unmarshal(data, &nl); err != nil {
			return &retryableError{err: fmt.Errorf("server %s: not leader", target)}
		}
		return &retryableError{err: &casualfs.NotLeaderError{LeaderID: nl.LeaderID, LeaderAddr: nl.LeaderAddr}}

	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return &retryableError{err: fmt.Errorf("server %s: %s", target, errorMessage(data, resp.Status))}
	}

	// rejected propose requests carry their result
	if prop, ok := out.(*casualfs.ProposeResponse); ok {
		_ = json.Unmarshal(data, prop)
	}

	return statusError(resp.StatusCode, errorMessage(data, resp.Status))
}

func (c *Client) currentTarget() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.target
}

// follow switches to the leader named by a hint from server from
func (c *Client) follow(from, leaderAddr string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.target == from {
		c.target = leaderAddr
	}
}

// rotate moves on to the next server unless another request already did
func (c *Client) rotate(from string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.target != from {
		return
	}

	c.target = c.addrs[c.next]
	c.next = (c.next + 1) % len(c.addrs)
}

// errorMessage extracts the error of an ErrorResponse or ProposeResponse body
func errorMessage(data []byte, fallback string) string {
	var resp casualfs.ErrorResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return fallback
}

// statusError maps a final HTTP status back to the error the server reported
func statusError(code int, msg string) error {
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", casualfs.ErrNotFound, msg)
	case http.StatusConflict:
		if strings.Contains(msg, casualfs.ErrVersionConflict.Error()) {
			return fmt.Errorf("%w: %s", casualfs.ErrVersionConflict, msg)
		}
		return fmt.Errorf("%w: %s", casualfs.ErrFileExists, msg)
	case http.StatusBadRequest:
		for _, target := range []error{
			casualfs.ErrEmptyBlock,
			casualfs.ErrBlockTooLarge,
			casualfs.ErrBlockHashMismatch,
		} {
			if strings.Contains(msg, target.Error()) {
				return fmt.Errorf("%w: %s", target, msg)
			}
		}
		return fmt.Errorf("%w: %s", casualfs.ErrInvalidOp, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", code, msg)
	}
}
