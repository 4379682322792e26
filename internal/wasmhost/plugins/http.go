package plugins

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
)

type httpRequest struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	BodyBase64  string            `json:"body_base64"`
	TimeoutMS   int               `json:"timeout_ms"`
}

type httpResponse struct {
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers"`
	BodyBase64  string            `json:"body_base64"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"`
}

// HTTP implements the http plugin (spec §4.6): builds a request, performs
// it, serializes the response (status, headers, body) as the event
// value. Transport errors are recorded as a typed error variant so
// replay reproduces the same error rather than re-attempting the call.
type HTTP struct {
	Client *http.Client
}

func (h HTTP) Call(ctx context.Context, ex *executor.Executor, request []byte) ([]byte, error) {
	var req httpRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}

	value, err := ex.Transaction(ctx, "http."+req.Method+" "+req.URL, model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return json.Marshal(h.do(ctx, req))
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (h HTTP) do(ctx context.Context, req httpRequest) httpResponse {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	var body io.Reader
	if req.BodyBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(req.BodyBase64)
		if err != nil {
			return httpResponse{ErrorKind: "encode_error", ErrorDetail: err.Error()}
		}
		body = bytes.NewReader(raw)
	}

	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return httpResponse{ErrorKind: "invalid_request", ErrorDetail: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return httpResponse{ErrorKind: "transport_error", ErrorDetail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResponse{ErrorKind: "read_error", ErrorDetail: err.Error()}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return httpResponse{
		Status:     resp.StatusCode,
		Headers:    headers,
		BodyBase64: base64.StdEncoding.EncodeToString(respBody),
	}
}
