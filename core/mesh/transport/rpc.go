package transport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hivecompute/hive/core/mesh/common"
)

// RPCRequest represents a remote procedure call
type RPCRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout int64           `json:"timeout,omitempty"` // Milliseconds
	Stream  bool            `json:"stream,omitempty"`
}

// RPCResponse represents an RPC response or one frame of a streamed response
type RPCResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
	Done   bool            `json:"done,omitempty"`
}

// RPCError carries a MeshError across the wire
type RPCError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

func toRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &RPCError{Code: common.ErrCodeTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &RPCError{Code: common.ErrCodeCancelled, Message: err.Error()}
	}
	me, ok := common.AsMeshError(err)
	if !ok {
		return &RPCError{Code: common.ErrCodeInternal, Message: err.Error()}
	}
	out := &RPCError{Code: me.Code, Message: me.Message}
	if len(me.Context) > 0 {
		out.Data = make(map[string]string, len(me.Context))
		for k, v := range me.Context {
			out.Data[k] = fmt.Sprint(v)
		}
	}
	return out
}

// Err converts a wire error back into a MeshError.
func (e *RPCError) Err() error {
	if e == nil {
		return nil
	}
	me := common.NewMeshError(e.Code, e.Message)
	for k, v := range e.Data {
		me.WithContext(k, v)
	}
	me.WithContext("remote", true)
	return me
}

// IsRemote reports whether err was raised by the remote handler rather than the local
// transport.
func IsRemote(err error) bool {
	me, ok := common.AsMeshError(err)
	return ok && me.ContextString("remote") == "true"
}

func generateRPCID() string {
	bytes := make([]byte, 12)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

func newRequest(method string, payload interface{}, stream bool, deadline time.Time) (RPCRequest, error) {
	params, err := json.Marshal(payload)
	if err != nil {
		return RPCRequest{}, common.ErrInvalidArgument("unencodable params").WithContext("method", method)
	}
	req := RPCRequest{
		ID:     generateRPCID(),
		Method: method,
		Params: params,
		Stream: stream,
	}
	if !deadline.IsZero() {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 {
			req.Timeout = ms
		}
	}
	return req, nil
}

func decodeResult(resp RPCResponse, reply interface{}) error {
	if resp.Error != nil {
		return resp.Error.Err()
	}
	if reply == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, reply); err != nil {
		return common.WrapError(common.ErrCodeInternal, "undecodable reply", err)
	}
	return nil
}
