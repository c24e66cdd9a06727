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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/felixge/fgprof"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/sentry/irq"
	"regionmm.dev/regionmm/pkg/sentry/mm"
	"regionmm.dev/regionmm/vmsim/config"
)

// Latencies above this are clamped when recorded.
const maxRecordedLatency = int64(10 * time.Second)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	pages      int
	forkEvery  int
	profile    string
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fault and fork concurrently and report latencies"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run workers that write to a shared heap and periodically fork it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&s.workers, "workers", 4, "number of concurrent workers.")
	fs.IntVar(&s.iterations, "iterations", 1000, "number of writes per worker.")
	fs.IntVar(&s.pages, "pages", 64, "number of heap pages.")
	fs.IntVar(&s.forkEvery, "fork-every", 50, "each worker forks after this many writes. Zero disables forking.")
	fs.StringVar(&s.profile, "profile", "", "collects a wall-clock profile in pprof format to this file path for the duration of the workload.")
}

// stressResult holds the latencies recorded by one worker.
type stressResult struct {
	writes *hdrhistogram.Histogram
	forks  *hdrhistogram.Histogram
}

func newStressResult() stressResult {
	return stressResult{
		writes: hdrhistogram.New(1, maxRecordedLatency, 3),
		forks:  hdrhistogram.New(1, maxRecordedLatency, 3),
	}
}

func record(h *hdrhistogram.Histogram, start time.Time) {
	d := int64(time.Since(start))
	if err := h.RecordValue(min(max(d, 1), maxRecordedLatency)); err != nil {
		log.Warningf("Dropping latency sample %d: %v", d, err)
	}
}

func (r stressResult) merge(o stressResult) {
	r.writes.Merge(o.writes)
	r.forks.Merge(o.forks)
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, fs *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		fs.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.workers < 1 || s.iterations < 0 || s.pages < 1 || s.forkEvery < 0 {
		fs.Usage()
		return subcommands.ExitUsageError
	}

	mgr, err := newManager(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	if s.profile != "" {
		f, err := os.Create(s.profile)
		if err != nil {
			return Errorf("creating profile: %v", err)
		}
		defer f.Close()
		stop := fgprof.Start(f, fgprof.FormatPprof)
		defer func() {
			if err := stop(); err != nil {
				log.Warningf("Error writing profile %q: %v", s.profile, err)
			}
		}()
	}
	res, err := s.run(ctx, mgr)
	if err != nil {
		return Errorf("stress failed: %v", err)
	}
	writeLatencies(os.Stdout, "write", res.writes)
	writeLatencies(os.Stdout, "fork", res.forks)
	return subcommands.ExitSuccess
}

// run executes the workload and returns the merged latencies of every worker.
func (s *Stress) run(ctx context.Context, mgr *mm.Manager) (stressResult, error) {
	as := mgr.NewAddressSpace()
	defer as.Release(ctx)
	heap, err := as.AllocateRegion(ctx, mm.AllocateOpts{
		RegionOpts: mm.RegionOpts{Name: "[heap]", Access: hostarch.ReadWrite},
		Length:     uint64(s.pages) * hostarch.PageSize,
	})
	if err != nil {
		return stressResult{}, err
	}

	results := make([]stressResult, s.workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := range results {
		w := w
		results[w] = newStressResult()
		// Each worker runs on its own simulated processor.
		wctx := irq.WithProcessor(gctx, irq.NewProcessor())
		g.Go(func() error {
			return s.worker(wctx, as, heap, w, results[w])
		})
	}
	if err := g.Wait(); err != nil {
		return stressResult{}, err
	}

	total := newStressResult()
	for _, r := range results {
		total.merge(r)
	}
	log.Infof("Stress done: %d writes, %d forks, %d regions live", total.writes.TotalCount(), total.forks.TotalCount(), mgr.RegionCount())
	return total, nil
}

func (s *Stress) worker(ctx context.Context, as *mm.AddressSpace, heap *mm.Region, w int, res stressResult) error {
	val := []byte{byte(w)}
	for i := 0; i < s.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr := heap.VAddrForPage((w + i*s.workers) % s.pages)
		start := time.Now()
		if err := as.CopyOut(ctx, addr, val); err != nil {
			return fmt.Errorf("worker %d write to %#x: %w", w, addr, err)
		}
		record(res.writes, start)

		if s.forkEvery == 0 || (i+1)%s.forkEvery != 0 {
			continue
		}
		start = time.Now()
		child, err := as.Fork(ctx)
		if err != nil {
			return fmt.Errorf("worker %d fork: %w", w, err)
		}
		record(res.forks, start)
		err = child.CopyOut(ctx, addr, val)
		child.Release(ctx)
		if err != nil {
			return fmt.Errorf("worker %d child write to %#x: %w", w, addr, err)
		}
	}
	return nil
}

func writeLatencies(w io.Writer, name string, h *hdrhistogram.Histogram) {
	if h.TotalCount() == 0 {
		fmt.Fprintf(w, "%s: no samples\n", name)
		return
	}
	fmt.Fprintf(w, "%s: n=%d mean=%v p50=%v p99=%v max=%v\n", name, h.TotalCount(),
		time.Duration(h.Mean()),
		time.Duration(h.ValueAtQuantile(50)),
		time.Duration(h.ValueAtQuantile(99)),
		time.Duration(h.Max()))
}
