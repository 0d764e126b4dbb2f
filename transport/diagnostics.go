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
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DiagnosticEvent describes one stage of a call.
type DiagnosticEvent struct {
	MessageID string
	ServiceID string
	TraceID   string
	Endpoint  endpoint.Endpoint
	Invoke    *InvokeMessage
	// Result is only set for After events.
	Result *ResultMessage
	// Elapsed is zero for Before events.
	Elapsed time.Duration
	// Err is only set for Error events.
	Err error
}

// DiagnosticSink receives call diagnostics. Sinks are best-effort: a sink
// that panics does not affect the call.
type DiagnosticSink interface {
	Before(DiagnosticEvent)
	After(DiagnosticEvent)
	Error(DiagnosticEvent)
}

// NewLogSink returns a sink that writes diagnostics to logger, at debug
// level for Before and After and at warn level for Error.
func NewLogSink(logger log.Logger) DiagnosticSink {
	return logSink{logger: log.With(logger, "component", "diagnostics")}
}

type logSink struct {
	logger log.Logger
}

func (s logSink) Before(event DiagnosticEvent) {
	_ = level.Debug(s.logger).Log(
		"msg", "sending request",
		"message_id", event.MessageID, "service_id", event.ServiceID,
		"trace_id", event.TraceID, "endpoint", event.Endpoint,
	)
}

func (s logSink) After(event DiagnosticEvent) {
	_ = level.Debug(s.logger).Log(
		"msg", "received response",
		"message_id", event.MessageID, "service_id", event.ServiceID,
		"trace_id", event.TraceID, "endpoint", event.Endpoint, "elapsed", event.Elapsed,
	)
}

func (s logSink) Error(event DiagnosticEvent) {
	_ = level.Warn(s.logger).Log(
		"msg", "call failed",
		"message_id", event.MessageID, "service_id", event.ServiceID,
		"trace_id", event.TraceID, "endpoint", event.Endpoint, "elapsed", event.Elapsed,
		"err", event.Err,
	)
}

// safeSink recovers from panics in the wrapped sink.
type safeSink struct {
	sink   DiagnosticSink
	logger log.Logger
}

func (s safeSink) Before(event DiagnosticEvent) {
	s.guard(func() { s.sink.Before(event) })
}

func (s safeSink) After(event DiagnosticEvent) {
	s.guard(func() { s.sink.After(event) })
}

func (s safeSink) Error(event DiagnosticEvent) {
	s.guard(func() { s.sink.Error(event) })
}

func (s safeSink) guard(emit func()) {
	if s.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			_ = level.Error(s.logger).Log("msg", "diagnostic sink panicked", "panic", r)
		}
	}()
	emit()
}
