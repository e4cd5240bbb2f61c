package stratumproto

import "encoding/json"

// Request is a single line of inbound Stratum traffic: a JSON-RPC 2.0 call
// (has Id) or notification (Id is nil).
type Request struct {
	Id     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a single line of outbound traffic answering a Request.
type Response struct {
	Id      json.RawMessage `json:"id"`
	Version string          `json:"jsonrpc,omitempty"`
	Result  interface{}     `json:"result"`
	Error   interface{}     `json:"error"`
}

// Notification is a server-initiated, id-less message such as
// mining.notify or mining.set_difficulty.
type Notification struct {
	Id     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func marshalTuple(items ...interface{}) ([]byte, error) {
	return json.Marshal(items)
}

// NewNotification builds a server push message with a nil id, matching the
// JSON-RPC 2.0 notification shape the wire protocol uses for mining.notify
// and friends.
func NewNotification(method string, params ...interface{}) Notification {
	return Notification{Id: nil, Method: method, Params: params}
}

// NewResult builds a success response for the given request id.
func NewResult(id json.RawMessage, result interface{}) Response {
	return Response{Id: id, Version: "2.0", Result: result, Error: nil}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, stratumErr *StratumError) Response {
	return Response{Id: id, Version: "2.0", Result: nil, Error: stratumErr}
}
