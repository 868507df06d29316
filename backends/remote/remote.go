// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package remote implements an execution backend that talks over HTTP to an aggregation Server
// (see cmd/gradsync_server), and the Server itself.
//
// The backend is selected with the configuration "remote:<server URL>", e.g.
// GRADSYNC_BACKEND=remote:http://aggregator:8470.
//
// Requests are gob-encoded, with tensor values as raw bytes in native endianness: all workers and
// the server must share it. Transient transport failures are retried (with go-retryablehttp);
// retried pushes carry the same request id and are accumulated only once by the Server.
// Pulls long-poll until their round completes.
//
// Transfers start in submission order: the priority is forwarded to the server but not used to
// reorder requests.
package remote

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/internal/workerspool"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GRADSYNC_BACKEND to specify this backend.
const BackendName = "remote"

func init() {
	backends.Register(BackendName, New)
}

// Options for the remote Backend.
type Options struct {
	// MaxParallelism is the maximum number of concurrent pushes. 0 means runtime.NumCPU(),
	// negative means unlimited.
	MaxParallelism int

	// PullParallelism is the maximum number of concurrent pulls, which long-poll the server until
	// their round completes. 0 means unlimited.
	PullParallelism int

	// RetryMax is the maximum number of retries of a request. Defaults to DefaultRetryMax.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the wait between retries.
	RetryWaitMin, RetryWaitMax time.Duration

	// HTTPClient used for the requests. Defaults to the one created by retryablehttp.
	HTTPClient *http.Client
}

// DefaultRetryMax is the default number of retries of failed requests.
const DefaultRetryMax = 4

// Backend sends pushes and pulls to a remote Server. It implements backends.Backend.
type Backend struct {
	baseURL *url.URL
	client  *retryablehttp.Client
	session uuid.UUID
	pools   [2]*workerspool.Pool

	mu        sync.Mutex
	finalized bool
	inFlight  *xsync.DynamicWaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Compile-time check that remote.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New creates a remote Backend with default Options. The config is the URL of the Server.
func New(config string) (backends.Backend, error) {
	return NewWithOptions(config, Options{})
}

// NewWithOptions creates a remote Backend for the Server at address.
func NewWithOptions(address string, opts Options) (*Backend, error) {
	if address == "" {
		return nil, errors.New("remote backend requires the server address, e.g. \"remote:http://localhost:8470\"")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	baseURL, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing remote server address %q", address)
	}
	client := retryablehttp.NewClient()
	client.Logger = retryLogger{}
	client.RetryMax = DefaultRetryMax
	if opts.RetryMax > 0 {
		client.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	b := &Backend{
		baseURL:  baseURL,
		client:   client,
		session:  uuid.New(),
		inFlight: xsync.NewDynamicWaitGroup(),
	}
	pullParallelism := opts.PullParallelism
	if pullParallelism == 0 {
		pullParallelism = -1
	}
	b.pools[backends.Push] = workerspool.New(opts.MaxParallelism)
	b.pools[backends.Pull] = workerspool.New(pullParallelism)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	klog.V(1).Infof("remote backend session %s connecting to %s", b.session, baseURL)
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "Remote aggregation server at " + b.baseURL.String()
}

// Session returns the id of the Backend sent with every request.
func (b *Backend) Session() uuid.UUID { return b.session }

// Submit implements backends.Backend.
func (b *Backend) Submit(req *backends.Request, done backends.Callback) error {
	if req == nil || req.Buffer == nil || done == nil {
		return errors.New("remote backend: request, buffer and callback must be given")
	}
	var path string
	switch req.Direction {
	case backends.Push:
		path = PushPath
	case backends.Pull:
		path = PullPath
	default:
		return errors.Errorf("remote backend: invalid direction %s", req.Direction)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return errors.WithStack(backends.ErrFinalized)
	}
	b.inFlight.Add(1)
	go b.pools[req.Direction].WaitToStart(func() {
		defer b.inFlight.Done()
		done(b.transfer(path, req))
	})
	return nil
}

// transfer runs one request against the server.
func (b *Backend) transfer(path string, req *backends.Request) error {
	if b.ctx.Err() != nil {
		return errors.Wrapf(backends.ErrFinalized, "%s of %q never started", req.Direction, req.Key)
	}
	wireReq := &wireRequest{
		Session:    b.session.String(),
		RequestID:  uuid.NewString(),
		Key:        req.Key,
		Version:    req.Version,
		Priority:   req.Priority,
		DType:      req.Shape.DType,
		Dimensions: req.Shape.Dimensions,
	}
	if req.Direction == backends.Push {
		req.Buffer.ConstFlatData(func(flat any) {
			wireReq.Data = bytes.Clone(tensors.FlatBytes(flat))
		})
	}
	resp, err := b.post(path, wireReq)
	if err != nil {
		if b.ctx.Err() != nil {
			return errors.Wrapf(backends.ErrFinalized, "%s of %q interrupted: %v", req.Direction, req.Key, err)
		}
		return err
	}
	if err = resp.err(); err != nil {
		return errors.WithMessagef(err, "%s of %q (version %d)", req.Direction, req.Key, req.Version)
	}
	if req.Direction == backends.Pull {
		if uintptr(len(resp.Data)) != req.Shape.Memory() {
			return errors.Errorf("pull of %q: server returned %d bytes, %s needs %d",
				req.Key, len(resp.Data), req.Shape, req.Shape.Memory())
		}
		req.Buffer.MutableFlatData(func(flat any) {
			copy(tensors.FlatBytes(flat), resp.Data)
		})
	}
	klog.V(2).Infof("Finish %sing tensor: %s", req.Direction, req.Key)
	return nil
}

// post sends a request and decodes the response.
func (b *Backend) post(path string, wireReq *wireRequest) (*wireResponse, error) {
	body, err := encode(wireReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := retryablehttp.NewRequestWithContext(b.ctx, http.MethodPost, b.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "creating HTTP request")
	}
	httpReq.Header.Set("Content-Type", ContentType)
	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s", path)
	}
	defer func() { _ = httpResp.Body.Close() }()
	if httpResp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("request to %s failed with status %s", path, httpResp.Status)
	}
	resp := &wireResponse{}
	if err = decode(httpResp.Body, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Finalize implements backends.Backend. It cancels the requests in flight (pulls waiting for their
// rounds included) and waits for them to return: they fail with backends.ErrFinalized.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	b.cancel()
	b.mu.Unlock()
	b.inFlight.Wait()
	klog.V(1).Infof("remote backend session %s finalized", b.session)
}

// retryLogger adapts klog to retryablehttp.LeveledLogger.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...any) { klog.ErrorS(nil, msg, keysAndValues...) }
func (retryLogger) Warn(msg string, keysAndValues ...any)  { klog.V(1).InfoS(msg, keysAndValues...) }
func (retryLogger) Info(msg string, keysAndValues ...any)  { klog.V(2).InfoS(msg, keysAndValues...) }
func (retryLogger) Debug(msg string, keysAndValues ...any) { klog.V(3).InfoS(msg, keysAndValues...) }
