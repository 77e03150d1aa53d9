package models

import "encoding/json"

// Envelope sources and types on the relay channel
const (
	SourcePage    = "page"
	SourceContent = "content"

	TypeFetch         = "fetch"
	TypeFetchCallback = "fetch_callback"
)

// FetchEnvelope travels page → bridge → broker
type FetchEnvelope struct {
	Source string  `json:"source"`
	NodeID string  `json:"nodeId"`
	Type   string  `json:"type"`
	Req    Request `json:"req"`
}

// CallbackEnvelope travels broker → bridge → page. Res holds a Response
// when Success is true and an ErrorInfo otherwise.
type CallbackEnvelope struct {
	Source    string          `json:"source,omitempty"`
	Type      string          `json:"type"`
	NodeID    string          `json:"nodeId"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Res       json.RawMessage `json:"res"`
}

// NewCallback builds the callback envelope for a finished request
func NewCallback(nodeID, requestID string, res *Response, err error) (*CallbackEnvelope, error) {
	cb := &CallbackEnvelope{
		Type:      TypeFetchCallback,
		NodeID:    nodeID,
		RequestID: requestID,
		Success:   err == nil,
	}

	var payload any = res
	if err != nil {
		payload = AsErrorInfo(err)
	}

	raw, merr := json.Marshal(payload)
	if merr != nil {
		return nil, merr
	}
	cb.Res = raw
	return cb, nil
}

// CloseContextInvalidated is the websocket close code sent when the
// privileged context goes away for good. Bridges must not reconnect.
const CloseContextInvalidated = 4000
