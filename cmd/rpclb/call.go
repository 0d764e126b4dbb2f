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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/transport"
	"github.com/spf13/cobra"
)

func newCallCommand(a *app) *cobra.Command {
	var (
		target  string
		traceID string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call SERVICE_ID [NAME=VALUE]...",
		Short: "Invoke a service",
		Long: `Invoke a service on an instance chosen from its route. Each parameter
value is sent as JSON if it parses as JSON, and as a string otherwise.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseInvoke(args[0], args[1:])
			if err != nil {
				return err
			}
			if traceID != "" {
				req = req.WithTraceID(traceID)
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			reg, release, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer release()
			client, err := a.newClient(reg)
			if err != nil {
				return err
			}
			defer client.Close()

			var result *transport.ResultMessage
			if target != "" {
				ep, err := endpoint.Parse(target)
				if err != nil {
					return err
				}
				result, err = client.Invoke(ctx, req.ServiceID, ep, req)
				if err != nil {
					return err
				}
			} else {
				result, err = client.Call(ctx, req.ServiceID, req)
				if err != nil {
					return err
				}
			}
			return a.printResult(result)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&target, "endpoint", "", "call this HOST:PORT instead of selecting one from the route")
	flags.StringVar(&traceID, "trace-id", "", "trace ID attached to the call")
	flags.DurationVar(&timeout, "timeout", 0, "call timeout (default: config request_timeout, else 30s)")
	return cmd
}

func parseInvoke(serviceID string, args []string) (*transport.InvokeMessage, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q: want NAME=VALUE", arg)
		}
		if json.Valid([]byte(value)) {
			params[name] = json.RawMessage(value)
		} else {
			params[name] = value
		}
	}
	return transport.NewInvokeMessage(serviceID, params)
}

func (a *app) printResult(result *transport.ResultMessage) error {
	if len(result.Result) == 0 {
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, result.Result, "", "  "); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(a.stdout)
	return err
}
