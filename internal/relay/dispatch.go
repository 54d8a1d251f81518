package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Dispatcher answers relay requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *wire.Request) *wire.Response
}

// HTTPDispatcher runs relay requests through an in-process http.Handler,
// normally the gin engine serving the REST API. The handler never sees a
// network socket: the request is synthesized and the response captured with
// a recorder.
type HTTPDispatcher struct {
	handler http.Handler
	logger  *logger.Logger
}

// NewHTTPDispatcher wraps a handler for in-process dispatch.
func NewHTTPDispatcher(h http.Handler, log *logger.Logger) *HTTPDispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &HTTPDispatcher{
		handler: h,
		logger:  log.WithFields(zap.String("component", "relay_dispatch")),
	}
}

// Dispatch synthesizes an http.Request from the wire request and repackages
// the captured response under the same correlation id.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(req.Path, "/") {
		return errorResponse(req.ID, http.StatusBadRequest, wire.CodeInvalidPath,
			"path must be absolute")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	ctx = context.WithValue(ctx, logger.RequestIDKey, req.ID)
	httpReq, err := http.NewRequestWithContext(ctx, method, req.Path, body)
	if err != nil {
		return errorResponse(req.ID, http.StatusBadRequest, wire.CodeInvalidPath, err.Error())
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	d.handler.ServeHTTP(rec, httpReq)

	resp := &wire.Response{Type: wire.TypeResponse, ID: req.ID, Status: rec.Code}
	if recHeaders := rec.Header(); len(recHeaders) > 0 {
		resp.Headers = make(map[string]string, len(recHeaders))
		for k := range recHeaders {
			resp.Headers[k] = recHeaders.Get(k)
		}
	}
	if raw := rec.Body.Bytes(); len(raw) > 0 {
		if json.Valid(raw) {
			resp.Body = raw
		} else {
			// Non-JSON handler output still has to fit the JSON body field.
			quoted, _ := json.Marshal(string(raw))
			resp.Body = quoted
		}
	}
	return resp
}

// errorResponse builds a REST-shaped error body without touching the handler.
func errorResponse(id string, status int, code, message string) *wire.Response {
	body, _ := json.Marshal(map[string]string{"error": message, "code": code})
	return &wire.Response{Type: wire.TypeResponse, ID: id, Status: status, Body: body}
}
