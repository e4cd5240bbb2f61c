// Package daemon implements a redundant JSON-RPC 2.0 client that fans a
// call across N configured upstream coin daemons, providing "any" (first
// success) and "all" (all responses) semantics plus batched calls.
package daemon

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Endpoint is one configured upstream daemon.
type Endpoint struct {
	Name     string
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// RPCError mirrors a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Response carries either a successfully decoded result or an error for one
// endpoint's reply to one call.
type Response struct {
	Endpoint string
	Result   json.RawMessage
	Error    *RPCError
}

func (r Response) Success() bool { return r.Error == nil }

type rpcRequest struct {
	Version string      `json:"jsonrpc"`
	Id      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Id     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client fans JSON-RPC calls out across Endpoints using a plain
// *http.Client transport with gzip/deflate response decompression and HTTP
// basic auth per endpoint.
type Client struct {
	endpoints []Endpoint
	http      *http.Client
	nextID    int64
}

func NewClient(endpoints []Endpoint) *Client {
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{},
	}
}

func (c *Client) id() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

func (c *Client) call(ctx context.Context, ep Endpoint, method string, params interface{}) Response {
	reqID := c.id()
	body, err := json.Marshal(rpcRequest{Version: "2.0", Id: reqID, Method: method, Params: params})
	if err != nil {
		return Response{Endpoint: ep.Name, Error: &RPCError{Code: -32603, Message: err.Error()}}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return Response{Endpoint: ep.Name, Error: &RPCError{Code: -32603, Message: err.Error()}}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate")
	if ep.User != "" {
		httpReq.SetBasicAuth(ep.User, ep.Password)
	}

	httpClient := c.http
	if ep.Timeout > 0 {
		clone := *c.http
		clone.Timeout = ep.Timeout
		httpClient = &clone
	}

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return Response{Endpoint: ep.Name, Error: &RPCError{Code: -32000, Message: err.Error()}}
	}
	defer httpResp.Body.Close()

	reader, err := decodeBody(httpResp)
	if err != nil {
		return Response{Endpoint: ep.Name, Error: &RPCError{Code: -32000, Message: err.Error()}}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Response{Endpoint: ep.Name, Error: &RPCError{Code: -32000, Message: fmt.Sprintf("http status %d", httpResp.StatusCode)}}
	}

	var parsed rpcResponse
	if err := json.NewDecoder(reader).Decode(&parsed); err != nil {
		return Response{Endpoint: ep.Name, Error: &RPCError{Code: -32700, Message: "parse error: " + err.Error()}}
	}
	if parsed.Id != reqID {
		return Response{Endpoint: ep.Name, Error: &RPCError{Code: -32603, Message: "response id mismatch"}}
	}
	if parsed.Error != nil {
		return Response{Endpoint: ep.Name, Error: parsed.Error}
	}
	return Response{Endpoint: ep.Name, Result: parsed.Result}
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// ExecuteAny issues the call concurrently to every endpoint and returns the
// first successful response. If every endpoint fails, returns the
// aggregate error carried by the first configured endpoint's response
// (not raised as a Go error — callers treat error responses as data).
func (c *Client) ExecuteAny(ctx context.Context, method string, params interface{}) Response {
	if len(c.endpoints) == 0 {
		return Response{Error: &RPCError{Code: -32000, Message: "no endpoints configured"}}
	}

	type indexedResponse struct {
		index int
		resp  Response
	}

	resultCh := make(chan indexedResponse, len(c.endpoints))
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i, ep := range c.endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			resultCh <- indexedResponse{index: i, resp: c.call(callCtx, ep, method, params)}
		}(i, ep)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	failures := make([]Response, len(c.endpoints))
	for r := range resultCh {
		if r.resp.Success() {
			return r.resp
		}
		failures[r.index] = r.resp
	}
	return failures[0]
}

// ExecuteAll awaits a response from every endpoint and returns them in
// endpoint-configuration order, each carrying either a result or an error.
func (c *Client) ExecuteAll(ctx context.Context, method string, params interface{}) []Response {
	out := make([]Response, len(c.endpoints))
	var wg sync.WaitGroup
	for i, ep := range c.endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			out[i] = c.call(ctx, ep, method, params)
		}(i, ep)
	}
	wg.Wait()
	return out
}

// BatchCall is one method/params pair inside a JSON-RPC batch request.
type BatchCall struct {
	Method string
	Params interface{}
}

// ExecuteBatchAny sends one JSON-RPC batch HTTP request per endpoint and
// returns the sub-results, in cmd order, from the first endpoint that
// successfully returns a well-formed batch. Individual sub-errors are
// carried in each entry rather than failing the whole batch.
func (c *Client) ExecuteBatchAny(ctx context.Context, cmds []BatchCall) ([]Response, error) {
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}

	type batchOutcome struct {
		responses []Response
		err       error
	}

	resultCh := make(chan batchOutcome, len(c.endpoints))
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, ep := range c.endpoints {
		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			resp, err := c.batchCall(callCtx, ep, cmds)
			resultCh <- batchOutcome{responses: resp, err: err}
		}(ep)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var firstErr error
	for outcome := range resultCh {
		if outcome.err == nil {
			return outcome.responses, nil
		}
		if firstErr == nil {
			firstErr = outcome.err
		}
	}
	return nil, firstErr
}

func (c *Client) batchCall(ctx context.Context, ep Endpoint, cmds []BatchCall) ([]Response, error) {
	reqs := make([]rpcRequest, len(cmds))
	ids := make([]int64, len(cmds))
	for i, cmd := range cmds {
		id := c.id()
		ids[i] = id
		reqs[i] = rpcRequest{Version: "2.0", Id: id, Method: cmd.Method, Params: cmd.Params}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate")
	if ep.User != "" {
		httpReq.SetBasicAuth(ep.User, ep.Password)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	reader, err := decodeBody(httpResp)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d", httpResp.StatusCode)
	}

	var parsed []rpcResponse
	if err := json.NewDecoder(reader).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	byID := make(map[int64]rpcResponse, len(parsed))
	for _, p := range parsed {
		byID[p.Id] = p
	}

	out := make([]Response, len(cmds))
	for i, id := range ids {
		p, ok := byID[id]
		if !ok {
			out[i] = Response{Endpoint: ep.Name, Error: &RPCError{Code: -32603, Message: "missing response id"}}
			continue
		}
		if p.Error != nil {
			out[i] = Response{Endpoint: ep.Name, Error: p.Error}
			continue
		}
		out[i] = Response{Endpoint: ep.Name, Result: p.Result}
	}
	return out, nil
}
