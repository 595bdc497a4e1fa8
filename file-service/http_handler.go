package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	casualfs "github.com/Konstantsiy/casual-fs"
	raftserver "github.com/Konstantsiy/casual-fs/raft-server"
	"github.com/c2h5oh/datasize"
)

// HTTPHandler serves the client API of one server
type HTTPHandler struct {
	service      *Service
	maxBlockSize datasize.ByteSize
}

func NewHTTPHandler(service *Service, maxBlockSize datasize.ByteSize) *HTTPHandler {
	return &HTTPHandler{service: service, maxBlockSize: maxBlockSize}
}

func (h *HTTPHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /files/propose", h.handlePropose)
	mux.HandleFunc("GET /files/{name...}", h.handleReadFile)
	mux.HandleFunc("GET /files", h.handleListFiles)
	mux.HandleFunc("PUT /blocks/{id}", h.handlePutBlock)
	mux.HandleFunc("GET /blocks/{id}", h.handleGetBlock)
	mux.HandleFunc("POST /blocks/has", h.handleHasBlocks)
}

func (h *HTTPHandler) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req casualfs.ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	kind, err := casualfs.ParseOpKind(req.Op)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.ProposeFileOp(r.Context(), casualfs.FileOp{
		Kind:      kind,
		Filename:  req.Filename,
		BlockIDs:  req.BlockIDs,
		Version:   req.Version,
		RequestID: RequestIDFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	var resp = casualfs.ProposeResponse{
		Success: result.Success,
		Version: result.Version,
		Index:   result.Index,
	}
	if !result.Success {
		resp.Error = result.Err.Error()
		writeJSON(w, statusOf(result.Err), resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleReadFile(w http.ResponseWriter, r *http.Request) {
	stale, err := staleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	meta, err := h.service.ReadFile(r.Context(), r.PathValue("name"), stale)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, meta)
}

func (h *HTTPHandler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	stale, err := staleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	files, err := h.service.ListFiles(r.Context(), stale)
	if err != nil {
		h.fail(w, err)
		return
	}

	if files == nil {
		files = []casualfs.FileMetadata{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *HTTPHandler) handlePutBlock(w http.ResponseWriter, r *http.Request) {
	// one byte over the limit is enough for the store to reject it
	var body io.Reader = r.Body
	if h.maxBlockSize > 0 {
		body = io.LimitReader(r.Body, int64(h.maxBlockSize.Bytes())+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var id = r.PathValue("id")
	if err = h.service.PutBlock(id, data); err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, casualfs.PutBlockResponse{BlockID: id})
}

func (h *HTTPHandler) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.GetBlock(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *HTTPHandler) handleHasBlocks(w http.ResponseWriter, r *http.Request) {
	var req casualfs.HasBlocksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	present, err := h.service.HasBlocks(req.BlockIDs)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, casualfs.HasBlocksResponse{BlockIDs: present})
}

func (h *HTTPHandler) fail(w http.ResponseWriter, err error) {
	if nle, ok := casualfs.IsNotLeader(err); ok {
		writeJSON(w, http.StatusMisdirectedRequest, casualfs.NotLeaderResponse{
			LeaderID:   nle.LeaderID,
			LeaderAddr: nle.LeaderAddr,
		})
		return
	}

	writeError(w, statusOf(err), err)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, casualfs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, casualfs.ErrFileExists),
		errors.Is(err, casualfs.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, casualfs.ErrInvalidOp),
		errors.Is(err, casualfs.ErrEmptyBlock),
		errors.Is(err, casualfs.ErrBlockTooLarge),
		errors.Is(err, casualfs.ErrBlockHashMismatch):
		return http.StatusBadRequest
	case errors.Is(err, raftserver.ErrLeadershipLost),
		errors.Is(err, raftserver.ErrEntryOverwritten),
		errors.Is(err, raftserver.ErrNodeCrashed),
		errors.Is(err, raftserver.ErrNodeHalted),
		errors.Is(err, raftserver.ErrShutdown),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func staleParam(r *http.Request) (bool, error) {
	var v = r.URL.Query().Get("stale")
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, casualfs.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
