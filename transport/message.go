// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"encoding/json"
	"fmt"

	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/google/uuid"
)

// TraceIDAttachment is the attachment key that carries a call's trace ID.
const TraceIDAttachment = "TraceId"

// Message is the unit exchanged over a connection. Requests carry Invoke,
// responses carry Result; the ID correlates the two.
type Message struct {
	ID     string         `json:"id"`
	Invoke *InvokeMessage `json:"invoke,omitempty"`
	Result *ResultMessage `json:"result,omitempty"`
}

// InvokeMessage is a request to call a remote service.
type InvokeMessage struct {
	ServiceID   string                     `json:"serviceId"`
	Parameters  map[string]json.RawMessage `json:"parameters,omitempty"`
	Attachments map[string]string          `json:"attachments,omitempty"`
}

// NewInvokeMessage encodes params as JSON and returns the request for
// serviceID.
func NewInvokeMessage(serviceID string, params map[string]any) (*InvokeMessage, error) {
	invoke := &InvokeMessage{ServiceID: serviceID}
	if len(params) > 0 {
		invoke.Parameters = make(map[string]json.RawMessage, len(params))
	}
	for name, value := range params {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindValidation, fmt.Sprintf("encode parameter %q", name), err)
		}
		invoke.Parameters[name] = data
	}
	return invoke, nil
}

// TraceID returns the trace ID attachment, if any.
func (m *InvokeMessage) TraceID() string {
	if m == nil {
		return ""
	}
	return m.Attachments[TraceIDAttachment]
}

// WithTraceID returns a copy of m carrying the given trace ID.
func (m *InvokeMessage) WithTraceID(traceID string) *InvokeMessage {
	clone := *m
	clone.Attachments = make(map[string]string, len(m.Attachments)+1)
	for key, value := range m.Attachments {
		clone.Attachments[key] = value
	}
	clone.Attachments[TraceIDAttachment] = traceID
	return &clone
}

// ResultMessage is the response to an InvokeMessage.
type ResultMessage struct {
	Result           json.RawMessage   `json:"result,omitempty"`
	ExceptionMessage string            `json:"exceptionMessage,omitempty"`
	StatusCode       rpcerr.StatusCode `json:"statusCode,omitempty"`
}

// Err returns the typed failure carried by the response. A response with
// no exception message, or with StatusSuccess, is not a failure; the
// exception message of a successful response is informational. An
// exception without any status code is a platform failure.
func (r *ResultMessage) Err() error {
	if r.ExceptionMessage == "" || r.StatusCode == rpcerr.StatusSuccess {
		return nil
	}
	if r.StatusCode == 0 {
		return rpcerr.New(rpcerr.KindPlatform, r.ExceptionMessage)
	}
	return rpcerr.FromStatus(r.StatusCode, r.ExceptionMessage)
}

// Decode unmarshals the result payload into v.
func (r *ResultMessage) Decode(v any) error {
	if len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func newMessageID() string {
	return uuid.NewString()
}
