// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/google/subcommands"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/metric"
	"regionmm.dev/regionmm/vmsim/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	pages int
	serve string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run the fork workload and print metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - run the fork workload and write every metric to stdout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&m.pages, "pages", 4, "number of heap pages to populate before forking.")
	fs.StringVar(&m.serve, "serve", "", "if set, serve metrics on this address at /metrics after the workload instead of printing them.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, fs *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		fs.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	mgr, err := newManager(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	s, err := runForkScenario(ctx, mgr, m.pages)
	if err != nil {
		return Errorf("fork scenario failed: %v", err)
	}
	s.release(ctx)

	if m.serve != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metric.Handler())
		log.Infof("Serving metrics on %s", m.serve)
		if err := http.ListenAndServe(m.serve, mux); err != nil {
			return Errorf("serving metrics: %v", err)
		}
		return subcommands.ExitSuccess
	}
	if err := metric.WritePrometheus(os.Stdout); err != nil {
		return Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
