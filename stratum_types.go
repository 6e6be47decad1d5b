package main

import (
	"encoding/json"
	"fmt"
)

type stratumRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// stratumMessage is the decoded form of any inbound line. Responses carry an
// ID and Result/Error; server pushes carry a Method and Params and no ID.
type stratumMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (m *stratumMessage) isResponse() bool {
	return m.ID != nil && m.Method == ""
}

// stratumError is the pool-side rejection detail attached to a response.
// Pools send either the classic [code, message, traceback] triple or a bare
// string; both decode into this type.
type stratumError struct {
	Code    int
	Message string
}

func (e *stratumError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("pool error %d: %s", e.Code, e.Message)
	}
	return "pool error: " + e.Message
}

func decodeStratumError(raw json.RawMessage) *stratumError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var triple []any
	if err := fastJSONUnmarshal(raw, &triple); err == nil && len(triple) >= 2 {
		code := 0
		if f, ok := triple[0].(float64); ok {
			code = int(f)
		}
		msg, _ := triple[1].(string)
		return &stratumError{Code: code, Message: msg}
	}
	var s string
	if err := fastJSONUnmarshal(raw, &s); err == nil {
		return &stratumError{Message: s}
	}
	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := fastJSONUnmarshal(raw, &obj); err == nil && (obj.Code != 0 || obj.Message != "") {
		return &stratumError{Code: obj.Code, Message: obj.Message}
	}
	return &stratumError{Message: string(raw)}
}

// Typed push parameters, decoded at the parse boundary so nothing above the
// read loop handles raw []any.

type notifyParams struct {
	JobID string
	Raw   []any
}

func decodeNotifyParams(raw json.RawMessage) (notifyParams, error) {
	var params []any
	if err := fastJSONUnmarshal(raw, &params); err != nil {
		return notifyParams{}, fmt.Errorf("decode mining.notify params: %w", err)
	}
	if len(params) == 0 {
		return notifyParams{}, fmt.Errorf("mining.notify with empty params")
	}
	jobID, ok := params[0].(string)
	if !ok {
		return notifyParams{}, fmt.Errorf("mining.notify job id is %T, want string", params[0])
	}
	return notifyParams{JobID: jobID, Raw: params}, nil
}

type setDifficultyParams struct {
	Difficulty float64
}

func decodeSetDifficultyParams(raw json.RawMessage) (setDifficultyParams, error) {
	var params []any
	if err := fastJSONUnmarshal(raw, &params); err != nil {
		return setDifficultyParams{}, fmt.Errorf("decode mining.set_difficulty params: %w", err)
	}
	if len(params) == 0 {
		return setDifficultyParams{}, fmt.Errorf("mining.set_difficulty with empty params")
	}
	diff, ok := params[0].(float64)
	if !ok {
		return setDifficultyParams{}, fmt.Errorf("mining.set_difficulty value is %T, want number", params[0])
	}
	return setDifficultyParams{Difficulty: diff}, nil
}

type showMessageParams struct {
	Text string
}

func decodeShowMessageParams(raw json.RawMessage) (showMessageParams, error) {
	var params []any
	if err := fastJSONUnmarshal(raw, &params); err != nil {
		return showMessageParams{}, fmt.Errorf("decode client.show_message params: %w", err)
	}
	if len(params) == 0 {
		return showMessageParams{}, nil
	}
	text, _ := params[0].(string)
	return showMessageParams{Text: text}, nil
}
