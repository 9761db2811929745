package session

import (
	"errors"

	json "github.com/goccy/go-json"

	"transactor/pkg/domain"
)

// Protocol methods.
const (
	MethodHello       = "hello"
	MethodPing        = "ping"
	MethodTx          = "tx"
	MethodFindAll     = "findAll"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// pingResult is the keep-alive frame the server sends to idle sessions.
const pingResult = "ping"

// Request is a client call. ID is echoed verbatim in the response.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorBody is the client view of a platform error.
type ErrorBody struct {
	Status  domain.Status  `json:"status"`
	Message string         `json:"message"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response answers a request. Broadcast frames carry Result and Queries
// without an ID.
type Response struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
	Queries []string        `json:"queries,omitempty"`
}

// HelloResult describes the established session.
type HelloResult struct {
	SessionID string             `json:"sessionId"`
	Workspace domain.WorkspaceID `json:"workspace"`
	Account   domain.Account     `json:"account"`
	Upgrade   bool               `json:"upgrade,omitempty"`
}

// TxResult reports a committed call. Docs holds the updated documents of
// transactions sent with retrieve set.
type TxResult struct {
	Committed []domain.Ref `json:"committed"`
	Skipped   []domain.Ref `json:"skipped,omitempty"`
	Docs      []domain.Doc `json:"docs,omitempty"`
}

// FindParams are the findAll parameters.
type FindParams struct {
	Class   domain.Ref          `json:"_class"`
	Query   domain.Query        `json:"query,omitempty"`
	Options *domain.FindOptions `json:"options,omitempty"`
}

// SubscribeParams register a live query.
type SubscribeParams struct {
	QueryID string       `json:"queryId"`
	Class   domain.Ref   `json:"_class"`
	Query   domain.Query `json:"query,omitempty"`
}

// UnsubscribeParams drop a live query.
type UnsubscribeParams struct {
	QueryID string `json:"queryId"`
}

// DecodeRequest parses one request frame.
func DecodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, domain.BadRequest("malformed request: %v", err)
	}
	if req.Method == "" {
		return req, domain.BadRequest("request without method")
	}
	return req, nil
}

func decodeParams(req Request, v any) error {
	if len(req.Params) == 0 {
		return domain.BadRequest("%s: missing params", req.Method)
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return domain.BadRequest("%s: malformed params: %v", req.Method, err)
	}
	return nil
}

// ErrorResponse converts err into an error frame for id.
func ErrorResponse(id json.RawMessage, err error) Response {
	body := &ErrorBody{Status: domain.StatusOf(err), Message: err.Error()}
	var pe *domain.PlatformError
	if errors.As(err, &pe) {
		body.Params = pe.Params
		if pe.Message != "" {
			body.Message = pe.Message
		}
	}
	return Response{ID: id, Error: body}
}

// EncodeResponse marshals a frame.
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}
