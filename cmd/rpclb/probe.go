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
	"context"
	"fmt"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/health"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultProbeTimeout = 3 * time.Second

func newProbeCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe HOST:PORT...",
		Short: "Check that endpoints accept TCP connections",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints := make([]endpoint.Endpoint, len(args))
			for i, arg := range args {
				ep, err := endpoint.Parse(arg)
				if err != nil {
					return err
				}
				endpoints[i] = ep
			}
			if timeout <= 0 {
				timeout = a.cfg.Health.ProbeTimeout.Duration
			}
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			return a.probe(cmd.Context(), endpoints, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "probe timeout (default: config, else 3s)")
	return cmd
}

func (a *app) probe(ctx context.Context, endpoints []endpoint.Endpoint, timeout time.Duration) error {
	prober := health.NewSocketProber(a.dialer)
	healthy := make([]bool, len(endpoints))
	var group errgroup.Group
	for i, ep := range endpoints {
		i, ep := i, ep
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			healthy[i] = prober.Probe(probeCtx, ep)
			return nil
		})
	}
	_ = group.Wait()

	var unreachable int
	for i, ep := range endpoints {
		state := health.StateHealthy
		if !healthy[i] {
			state = health.StateUnhealthy
			unreachable++
		}
		fmt.Fprintf(a.stdout, "%s\t%s\n", ep, state)
	}
	if unreachable > 0 {
		return fmt.Errorf("%d of %d endpoints unreachable", unreachable, len(endpoints))
	}
	return nil
}
