// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package remote

import (
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/backends/local"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ServerOptions configure a Server.
type ServerOptions struct {
	// DedupWindow is the number of recent push request ids remembered, so retried pushes are not
	// accumulated twice. Defaults to DefaultDedupWindow.
	DedupWindow int

	// MaxSessions is the number of client sessions tracked. Defaults to DefaultMaxSessions.
	MaxSessions int

	// MaxRequestBytes limits the size of a request body. Defaults to DefaultMaxRequestBytes.
	MaxRequestBytes int64
}

// Defaults for ServerOptions.
const (
	DefaultDedupWindow     = 1 << 16
	DefaultMaxSessions     = 1024
	DefaultMaxRequestBytes = 1 << 30
)

// Server serves a local.Store over HTTP: it is the aggregation tier for the remote Backend.
type Server struct {
	store           *local.Store
	mux             *http.ServeMux
	maxRequestBytes int64

	// mu serializes pushes and the assignment of rounds to pulls, so a retried request is either found
	// in pushes (or pulls) or handled once.
	mu       sync.Mutex
	pushes   *lru.Cache[string, wireResponse]
	pulls    *lru.Cache[string, int64]
	sessions *lru.Cache[string, time.Time]
}

// NewServer creates a Server for the given store.
func NewServer(store *local.Store, opts ServerOptions) (*Server, error) {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	s := &Server{store: store, mux: http.NewServeMux(), maxRequestBytes: opts.MaxRequestBytes}
	var err error
	if s.pushes, err = lru.New[string, wireResponse](opts.DedupWindow); err != nil {
		return nil, errors.Wrap(err, "failed to create push dedup cache")
	}
	if s.pulls, err = lru.New[string, int64](opts.DedupWindow); err != nil {
		return nil, errors.Wrap(err, "failed to create pull dedup cache")
	}
	if s.sessions, err = lru.New[string, time.Time](opts.MaxSessions); err != nil {
		return nil, errors.Wrap(err, "failed to create sessions cache")
	}
	s.mux.HandleFunc("POST "+PushPath, s.handlePush)
	s.mux.HandleFunc("POST "+PullPath, s.handlePull)
	return s, nil
}

// Handler returns the http.Handler serving the API.
func (s *Server) Handler() http.Handler { return s.mux }

// Store served.
func (s *Server) Store() *local.Store { return s.store }

// NumSessions returns the number of client sessions seen recently.
func (s *Server) NumSessions() int { return s.sessions.Len() }

// Close the store: pulls waiting for their rounds return, and new requests fail.
func (s *Server) Close() {
	s.store.Close()
}

// readRequest decodes the request body and registers its session.
func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (*wireRequest, bool) {
	if r.Header.Get("Content-Type") != ContentType {
		http.Error(w, "content type must be "+ContentType, http.StatusUnsupportedMediaType)
		return nil, false
	}
	req := &wireRequest{}
	if err := decode(http.MaxBytesReader(w, r.Body, s.maxRequestBytes), req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if req.Session != "" {
		if !s.sessions.Contains(req.Session) {
			klog.V(1).Infof("remote server: new session %s from %s", req.Session, r.RemoteAddr)
		}
		s.sessions.Add(req.Session, time.Now())
	}
	return req, true
}

func (s *Server) writeResponse(w http.ResponseWriter, direction backends.Direction, resp *wireResponse, numBytes uintptr) {
	outcome := metrics.OutcomeOK
	if resp.Code != codeOK {
		outcome = metrics.OutcomeFailed
	}
	metrics.ServerRequest(direction.String(), outcome, numBytes)
	metrics.SetServerPendingRounds(s.store.NumPendingRounds())
	body, err := encode(resp)
	if err != nil {
		klog.Errorf("remote server: %+v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	if _, err = w.Write(body); err != nil {
		klog.Warningf("remote server: failed to write %s response: %v", direction, err)
	}
}

func errorResponse(err error) *wireResponse {
	return &wireResponse{Code: codeForError(err), Message: err.Error()}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	shape, err := req.shape()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	resp, found := s.pushes.Get(req.RequestID)
	if found {
		s.mu.Unlock()
		klog.V(2).Infof("remote server: push %s of %q (version %d) already received", req.RequestID, req.Key, req.Version)
		s.writeResponse(w, backends.Push, &resp, 0)
		return
	}
	if uintptr(len(req.Data)) != shape.Memory() {
		resp = *errorResponse(errors.Wrapf(local.ErrShapeMismatch, "push of %q: %s needs %d bytes, got %d",
			req.Key, shape, shape.Memory(), len(req.Data)))
	} else {
		err = s.store.Push(req.Session, req.Key, req.Version, shape, tensors.FlatFromBytes(shape.DType, req.Data))
		if err != nil {
			resp = *errorResponse(err)
		} else {
			resp = wireResponse{}
		}
	}
	if req.RequestID != "" && resp.Code != codeStoreClosed {
		s.pushes.Add(req.RequestID, resp)
	}
	s.mu.Unlock()

	if resp.Code != codeOK {
		klog.Errorf("remote server: push of %q (version %d) from session %s failed: %s", req.Key, req.Version, req.Session, resp.Message)
	} else {
		klog.V(2).Infof("remote server: received %q (version %d, %s)", req.Key, req.Version, humanize.Bytes(uint64(len(req.Data))))
	}
	s.writeResponse(w, backends.Push, &resp, uintptr(len(req.Data)))
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	shape, err := req.shape()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	generation, found := s.pulls.Get(req.RequestID)
	if !found {
		generation, err = s.store.NextPull(req.Session, req.Key, req.Version, shape)
		if err == nil && req.RequestID != "" {
			s.pulls.Add(req.RequestID, generation)
		}
	}
	s.mu.Unlock()
	if err != nil {
		klog.Errorf("remote server: pull of %q (version %d) failed: %v", req.Key, req.Version, err)
		s.writeResponse(w, backends.Pull, errorResponse(err), 0)
		return
	}

	// Long-poll until the round completes, the client goes away or the store is closed.
	aggregated, err := s.store.Aggregated(r.Context(), req.Key, req.Version, generation)
	if err != nil {
		if r.Context().Err() != nil {
			klog.V(2).Infof("remote server: pull of %q (version %d) abandoned by client", req.Key, req.Version)
			return
		}
		klog.Errorf("remote server: pull of %q (version %d) failed: %v", req.Key, req.Version, err)
		s.writeResponse(w, backends.Pull, errorResponse(err), 0)
		return
	}
	resp := &wireResponse{Data: tensors.FlatBytes(aggregated)}
	s.writeResponse(w, backends.Pull, resp, uintptr(len(resp.Data)))
}
