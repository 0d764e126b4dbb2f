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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/registry"
	"github.com/spf13/cobra"
)

func newRoutesCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List service routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, release, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer release()
			routes, err := reg.Routes(cmd.Context())
			if err != nil {
				return err
			}
			return a.printRoutes(routes, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")

	var name string
	set := &cobra.Command{
		Use:   "set SERVICE_ID HOST:PORT[@LOAD]...",
		Short: "Create or replace a route",
		Long: `Create or replace the route of a service. Each address may carry its
processor time after an @, lower values being preferred by fair polling.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route := registry.Route{Descriptor: registry.ServiceDescriptor{ID: args[0], Name: name}}
			for _, arg := range args[1:] {
				addr, err := parseAddress(arg)
				if err != nil {
					return err
				}
				route.Addresses = append(route.Addresses, addr)
			}
			reg, release, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer release()
			return reg.SetRoute(cmd.Context(), route)
		},
	}
	set.Flags().StringVar(&name, "name", "", "service name")

	del := &cobra.Command{
		Use:   "delete SERVICE_ID",
		Short: "Delete a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, release, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer release()
			return reg.DeleteRoute(cmd.Context(), args[0])
		},
	}
	cmd.AddCommand(set, del)
	return cmd
}

func (a *app) printRoutes(routes []registry.Route, output string) error {
	switch output {
	case "json":
		encoder := json.NewEncoder(a.stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(routes)
	case "text":
		writer := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "SERVICE\tNAME\tADDRESSES")
		for _, route := range routes {
			addrs := make([]string, len(route.Addresses))
			for i, addr := range route.Addresses {
				addrs[i] = formatAddress(addr)
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\n", route.Descriptor.ID, route.Descriptor.Name, strings.Join(addrs, ","))
		}
		return writer.Flush()
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

// parseAddress parses "host:port" or "host:port@load".
func parseAddress(text string) (registry.Address, error) {
	hostPort, load, hasLoad := strings.Cut(text, "@")
	ep, err := endpoint.Parse(hostPort)
	if err != nil {
		return registry.Address{}, err
	}
	addr := registry.Address{Endpoint: ep}
	if hasLoad {
		addr.ProcessorTime, err = strconv.ParseFloat(load, 64)
		if err != nil {
			return registry.Address{}, fmt.Errorf("address %q: invalid load: %w", text, err)
		}
	}
	return addr, nil
}

func formatAddress(addr registry.Address) string {
	if addr.ProcessorTime == 0 {
		return addr.String()
	}
	return addr.String() + "@" + strconv.FormatFloat(addr.ProcessorTime, 'g', -1, 64)
}
