// Package control exposes the analyzer control surface as JSON-RPC 2.0
// over a Unix domain socket.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"firestige.xyz/dpslens/internal/analyzer"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/session"
)

// Methods served by the handler.
const (
	MethodFlows    = "flows"
	MethodStatus   = "flow_status"
	MethodReset    = "flow_reset"
	MethodSnapshot = "flow_snapshot"
	MethodStats    = "stats"
)

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("control error %d: %s", e.Code, e.Message)
}

// FlowParams selects one flow.
type FlowParams struct {
	Flow string `json:"flow"`
}

// FlowStatus is the control view of one connection.
type FlowStatus struct {
	Flow      string                `json:"flow"`
	Partition int                   `json:"partition"`
	State     session.State         `json:"state"`
	Entities  int                   `json:"entities"`
	Version   uint64                `json:"snapshot_version"`
	Drops     analyzer.DropCounters `json:"drops"`
}

// ResetResult reports the state after a reset request was processed.
type ResetResult struct {
	Flow  string        `json:"flow"`
	State session.State `json:"state"`
}

// Stats aggregates dispatcher and emitter counters.
type Stats struct {
	Flows        int           `json:"flows"`
	IngressDrops uint64        `json:"ingress_drops"`
	Events       emitter.Stats `json:"events"`
}

// Handler dispatches control requests to the analyzer manager.
type Handler struct {
	manager *analyzer.Manager
	emitter *emitter.Emitter
	logger  log.Logger
	timeout time.Duration
}

// NewHandler creates a handler over mgr and em.
func NewHandler(mgr *analyzer.Manager, em *emitter.Emitter, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.Discard()
	}
	return &Handler{manager: mgr, emitter: em, logger: logger, timeout: 5 * time.Second}
}

// Handle processes one request.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	h.logger.WithField("method", req.Method).WithField("id", req.ID).Debug("handling control request")

	resp := Response{JSONRPC: "2.0", ID: req.ID}
	result, errInfo := h.dispatch(ctx, req)
	if errInfo != nil {
		resp.Error = errInfo
	} else {
		resp.Result = result
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, req Request) (interface{}, *ErrorInfo) {
	switch req.Method {
	case MethodFlows:
		flows := h.manager.Flows()
		out := make([]FlowStatus, 0, len(flows))
		for _, flow := range flows {
			if st, ok := h.status(flow); ok {
				out = append(out, st)
			}
		}
		return out, nil

	case MethodStatus:
		a, errInfo := h.lookup(req.Params)
		if errInfo != nil {
			return nil, errInfo
		}
		st, _ := h.status(a.Flow())
		return st, nil

	case MethodReset:
		a, errInfo := h.lookup(req.Params)
		if errInfo != nil {
			return nil, errInfo
		}
		return h.reset(ctx, a)

	case MethodSnapshot:
		a, errInfo := h.lookup(req.Params)
		if errInfo != nil {
			return nil, errInfo
		}
		return a.Snapshot().View(), nil

	case MethodStats:
		return Stats{
			Flows:        len(h.manager.Flows()),
			IngressDrops: h.manager.IngressDrops(),
			Events:       h.emitter.Stats(),
		}, nil

	default:
		return nil, &ErrorInfo{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (h *Handler) lookup(raw json.RawMessage) (*analyzer.Analyzer, *ErrorInfo) {
	var p FlowParams
	if len(raw) == 0 {
		return nil, &ErrorInfo{Code: ErrCodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if p.Flow == "" {
		return nil, &ErrorInfo{Code: ErrCodeInvalidParams, Message: "flow is required"}
	}
	a, ok := h.manager.Analyzer(p.Flow)
	if !ok {
		return nil, &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("unknown flow %q", p.Flow)}
	}
	return a, nil
}

func (h *Handler) status(flow string) (FlowStatus, bool) {
	a, ok := h.manager.Analyzer(flow)
	if !ok {
		return FlowStatus{}, false
	}
	snap := a.Snapshot()
	return FlowStatus{
		Flow:      flow,
		Partition: h.manager.Partition(flow),
		State:     a.CurrentSessionState(),
		Entities:  snap.Len(),
		Version:   snap.Version(),
		Drops:     a.DropCounters(),
	}, true
}

// reset queues the request on the flow's partition and waits until it
// was processed.
func (h *Handler) reset(ctx context.Context, a *analyzer.Analyzer) (interface{}, *ErrorInfo) {
	if err := h.manager.RequestReset(a.Flow()); err != nil {
		return nil, &ErrorInfo{Code: ErrCodeInternalError, Message: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.manager.Flush(ctx); err != nil {
		return nil, &ErrorInfo{Code: ErrCodeInternalError, Message: err.Error()}
	}
	h.logger.WithField("flow", a.Flow()).Info("reset requested over control socket")
	return ResetResult{Flow: a.Flow(), State: a.CurrentSessionState()}, nil
}
