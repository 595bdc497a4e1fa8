package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	casualfs "github.com/Konstantsiy/casual-fs"
	"github.com/stretchr/testify/require"
)

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// leaderServer accepts every proposal and counts them
func leaderServer(t *testing.T, proposals *atomic.Int32) *httptest.Server {
	var mux = http.NewServeMux()

	mux.HandleFunc("POST /files/propose", func(w http.ResponseWriter, r *http.Request) {
		var req casualfs.ProposeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))

		proposals.Add(1)
		writeJSON(w, http.StatusOK, casualfs.ProposeResponse{Success: true, Version: 1, Index: 2})
	})

	mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, casualfs.FileMetadata{Filename: r.PathValue("name"), Version: 1})
	})

	var srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// followerServer redirects everything to leader
func followerServer(t *testing.T, leader string) *httptest.Server {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMisdirectedRequest, casualfs.NotLeaderResponse{LeaderID: 1, LeaderAddr: leader})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_FollowsLeaderHint(t *testing.T) {
	var proposals atomic.Int32
	var leader = leaderServer(t, &proposals)
	var follower = followerServer(t, hostOf(leader))

	c, err := New([]string{hostOf(follower)}, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	version, err := c.Create(ctx, "a.txt", []string{"h1"})
	require.NoError(t, err)
	require.Equal(t, uint32(1), version)
	require.Equal(t, int32(1), proposals.Load())
	require.Equal(t, hostOf(leader), c.Leader())

	// the leader is remembered
	meta, err := c.Read(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "a.txt", meta.Filename)
}

func TestClient_RotatesPastUnreachableServers(t *testing.T) {
	var proposals atomic.Int32
	var leader = leaderServer(t, &proposals)

	var down = httptest.NewServer(http.NotFoundHandler())
	var downAddr = hostOf(down)
	down.Close()

	var unknownLeader = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMisdirectedRequest, casualfs.NotLeaderResponse{})
	}))
	defer unknownLeader.Close()

	c, err := New([]string{downAddr, hostOf(unknownLeader), hostOf(leader)}, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	version, err := c.Delete(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(1), version)
	require.Equal(t, hostOf(leader), c.Leader())
}

func TestClient_Rejections(t *testing.T) {
	tt := []struct {
		name        string
		code        int
		body        interface{}
		expectedErr error
	}{
		{
			name:        "version conflict",
			code:        http.StatusConflict,
			body:        casualfs.ProposeResponse{Error: "version conflict: a.txt is at version 1, requested 5"},
			expectedErr: casualfs.ErrVersionConflict,
		},
		{
			name:        "file exists",
			code:        http.StatusConflict,
			body:        casualfs.ProposeResponse{Error: "file already exists: a.txt"},
			expectedErr: casualfs.ErrFileExists,
		},
		{
			name:        "not found",
			code:        http.StatusNotFound,
			body:        casualfs.ProposeResponse{Error: "not found: a.txt"},
			expectedErr: casualfs.ErrNotFound,
		},
		{
			name:        "invalid op",
			code:        http.StatusBadRequest,
			body:        casualfs.ErrorResponse{Error: "invalid file operation: filename is required"},
			expectedErr: casualfs.ErrInvalidOp,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, tc.code, tc.body)
			}))
			defer srv.Close()

			c, err := New([]string{hostOf(srv)})
			require.NoError(t, err)

			_, err = c.Modify(context.Background(), "a.txt", nil, 5)
			require.ErrorIs(t, err, tc.expectedErr)

			// rejections are final
			require.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestClient_GivesUpWhenContextExpires(t *testing.T) {
	var calls atomic.Int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, casualfs.ErrorResponse{Error: "leadership lost"})
	}))
	defer srv.Close()

	c, err := New([]string{hostOf(srv)}, WithRetryDelay(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = c.Create(ctx, "a.txt", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Greater(t, calls.Load(), int32(1))
}

func TestClient_Blocks(t *testing.T) {
	var data = []byte("block")
	var id = casualfs.BlockID(data)

	var mux = http.NewServeMux()
	mux.HandleFunc("PUT /blocks/{id}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, id, r.PathValue("id"))
		writeJSON(w, http.StatusOK, casualfs.PutBlockResponse{BlockID: id})
	})
	mux.HandleFunc("GET /blocks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != id {
			writeJSON(w, http.StatusNotFound, casualfs.ErrorResponse{Error: "not found"})
			return
		}
		_, _ = w.Write(data)
	})
	mux.HandleFunc("POST /blocks/has", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, casualfs.HasBlocksResponse{BlockIDs: []string{id}})
	})

	var srv = httptest.NewServer(mux)
	defer srv.Close()

	c, err := New([]string{hostOf(srv)})
	require.NoError(t, err)

	var ctx = context.Background()

	got, err := c.PutBlock(ctx, data)
	require.NoError(t, err)
	require.Equal(t, id, got)

	block, err := c.GetBlock(ctx, id)
	require.NoError(t, err)
	require.Equal(t, data, block)

	_, err = c.GetBlock(ctx, "missing")
	require.ErrorIs(t, err, casualfs.ErrNotFound)

	present, err := c.HasBlocks(ctx, []string{id, "missing"})
	require.NoError(t, err)
	require.Equal(t, []string{id}, present)
}

func TestClient_EscapesFilenames(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc("GET /files/{name...}", func(w http.ResponseWriter, r *http.Request) {
		require.False(t, r.URL.Query().Has("x"), "the filename leaked into the query")
		writeJSON(w, http.StatusOK, casualfs.FileMetadata{Filename: r.PathValue("name"), Version: 1})
	})

	var srv = httptest.NewServer(mux)
	defer srv.Close()

	c, err := New([]string{hostOf(srv)})
	require.NoError(t, err)

	for _, name := range []string{"docs/a.txt", "what?x=1", "100%.txt", "a#b", "a b.txt"} {
		meta, err := c.Read(context.Background(), name)
		require.NoError(t, err)
		require.Equal(t, name, meta.Filename)

		meta, err = c.ReadStale(context.Background(), name)
		require.NoError(t, err)
		require.Equal(t, name, meta.Filename)
	}
}

func TestNew_NoServers(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNoServers)
}
