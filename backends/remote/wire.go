// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/backends/local"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/pkg/errors"
)

// API paths served by Server.
const (
	PushPath = "/v1/push"
	PullPath = "/v1/pull"
)

// ContentType of requests and responses: gob-encoded wireRequest and wireResponse.
const ContentType = "application/x-gob"

// wireRequest is the body of push and pull requests.
type wireRequest struct {
	// Session identifies the client Backend, RequestID the request: retries of a push reuse the same
	// RequestID, so the server accumulates it only once.
	Session   string
	RequestID string

	Key        string
	Version    int64
	Priority   int32
	DType      dtypes.DType
	Dimensions []int

	// Data holds the raw bytes of the flat values for a push.
	Data []byte
}

func (req *wireRequest) shape() (shapes.Shape, error) {
	if !tensors.IsSupported(req.DType) {
		return shapes.Invalid(), errors.Errorf("unsupported dtype %s", req.DType)
	}
	for _, dim := range req.Dimensions {
		if dim <= 0 {
			return shapes.Invalid(), errors.Errorf("invalid dimensions %v", req.Dimensions)
		}
	}
	return shapes.Make(req.DType, req.Dimensions...), nil
}

// errorCode identifies errors of the aggregation tier across the wire.
type errorCode string

const (
	codeOK            errorCode = ""
	codeShapeMismatch errorCode = "shape_mismatch"
	codeRoundComplete errorCode = "round_complete"
	codeRoundEvicted  errorCode = "round_evicted"
	codeStoreClosed   errorCode = "store_closed"
	codeInternal      errorCode = "internal"
)

// wireResponse is the body of the responses to push and pull.
type wireResponse struct {
	Code    errorCode
	Message string

	// Data holds the raw bytes of the aggregated flat values for a pull.
	Data []byte
}

var codeErrors = map[errorCode]error{
	codeShapeMismatch: local.ErrShapeMismatch,
	codeRoundComplete: local.ErrRoundComplete,
	codeRoundEvicted:  local.ErrRoundEvicted,
	codeStoreClosed:   local.ErrStoreClosed,
}

// codeForError converts an error of the local.Store to its wire code.
func codeForError(err error) errorCode {
	if err == nil {
		return codeOK
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return codeInternal
}

// err converts the response back to an error, wrapping the corresponding sentinel error.
func (resp *wireResponse) err() error {
	if resp.Code == codeOK {
		return nil
	}
	if sentinel, found := codeErrors[resp.Code]; found {
		return errors.Wrapf(sentinel, "server: %s", resp.Message)
	}
	return errors.Errorf("server error %q: %s", resp.Code, resp.Message)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrapf(err, "failed to encode %T", v)
	}
	return buf.Bytes(), nil
}

func decode(r io.Reader, v any) error {
	if err := gob.NewDecoder(r).Decode(v); err != nil {
		return errors.Wrapf(err, "failed to decode %T", v)
	}
	return nil
}
