// Package protocol defines the WebSocket frames the gateway exchanges with an
// external agent runtime.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent in the connect request.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorShape) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// EventFrame is a server → client push.
type EventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// NewRequest builds a request frame, marshalling params.
func NewRequest(id, method string, params interface{}) (*RequestFrame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewEvent builds an event frame, marshalling payload.
func NewEvent(event string, payload interface{}) (*EventFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: raw}, nil
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload interface{}) (*ResponseFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal response payload: %w", err)
	}
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, Error: &ErrorShape{Code: code, Message: message}}
}

// ParseFrameType peeks at the "type" field of a raw frame.
func ParseFrameType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	return head.Type, nil
}
