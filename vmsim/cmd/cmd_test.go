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
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/sentry/mm"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
	"regionmm.dev/regionmm/vmsim/config"
)

// setup returns a context carrying a fresh MemoryFile and a Manager over it.
// The MemoryFile is destroyed, and must then be empty, when the test ends.
func setup(t *testing.T, frames uint) (context.Context, *config.Config, *mm.Manager) {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Frames: uint32(frames)})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(func() {
		if err := mf.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
	})
	ctx := pgalloc.WithMemoryFile(context.Background(), mf)
	conf := &config.Config{Frames: frames, LogFormat: "text"}
	mgr, err := newManager(ctx, conf)
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}
	return ctx, conf, mgr
}

func TestNewManagerRequiresMemoryFile(t *testing.T) {
	if _, err := newManager(context.Background(), &config.Config{}); err == nil {
		t.Errorf("newManager without a MemoryFile succeeded")
	}
}

func TestForkScenario(t *testing.T) {
	ctx, _, mgr := setup(t, 16)
	s, err := runForkScenario(ctx, mgr, 3)
	if err != nil {
		t.Fatalf("runForkScenario: %v", err)
	}

	if got := s.heap.COWPages(); got != 3 {
		t.Errorf("parent heap COW pages = %d, want 3", got)
	}
	childHeap := s.child.FindRegion(s.heap.Base())
	if childHeap == nil {
		t.Fatalf("child has no region at %#x", s.heap.Base())
	}
	if got := childHeap.COWPages(); got != 2 {
		t.Errorf("child heap COW pages = %d, want 2", got)
	}
	if s.child.FindRegion(s.shm.Base()).VMObject() != s.shm.VMObject() {
		t.Errorf("shared region does not share its VMObject with the child")
	}

	s.release(ctx)
	if got := mgr.RegionCount(); got != 0 {
		t.Errorf("RegionCount after release = %d, want 0", got)
	}
}

func TestWriteStats(t *testing.T) {
	ctx, _, mgr := setup(t, 16)
	s, err := runForkScenario(ctx, mgr, 2)
	if err != nil {
		t.Fatalf("runForkScenario: %v", err)
	}
	defer s.release(ctx)

	var buf bytes.Buffer
	if err := writeStats(&buf, mgr); err != nil {
		t.Fatalf("writeStats: %v", err)
	}
	var got struct {
		Regions []regionStat `yaml:"regions"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
	}
	// The heap and the shared page, once in each address space.
	if len(got.Regions) != 4 {
		t.Fatalf("got %d regions, want 4:\n%s", len(got.Regions), buf.String())
	}
	names := make(map[string]int)
	for _, r := range got.Regions {
		names[r.Name]++
	}
	if names["[heap]"] != 2 || names["[shm]"] != 2 {
		t.Errorf("region names = %v, want two [heap] and two [shm]", names)
	}
}

func TestForkScenarioErrors(t *testing.T) {
	ctx, _, mgr := setup(t, 4)
	if _, err := runForkScenario(ctx, mgr, 0); err == nil {
		t.Errorf("runForkScenario with no pages succeeded")
	}
	// Three heap pages use every free frame, so the child's copy fails.
	if _, err := runForkScenario(ctx, mgr, 3); err == nil {
		t.Errorf("runForkScenario without enough frames succeeded")
	}
	if got := mgr.RegionCount(); got != 0 {
		t.Errorf("RegionCount after failure = %d, want 0", got)
	}
}

func TestStress(t *testing.T) {
	ctx, _, mgr := setup(t, 64)
	s := &Stress{workers: 4, iterations: 100, pages: 8, forkEvery: 10}
	res, err := s.run(ctx, mgr)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := res.writes.TotalCount(); got != 400 {
		t.Errorf("write samples = %d, want 400", got)
	}
	if got := res.forks.TotalCount(); got != 40 {
		t.Errorf("fork samples = %d, want 40", got)
	}
	if got := mgr.RegionCount(); got != 0 {
		t.Errorf("RegionCount after run = %d, want 0", got)
	}
}

func TestMapFile(t *testing.T) {
	ctx, conf, _ := setup(t, 16)
	data := bytes.Repeat([]byte("0123456789abcdef"), hostarch.PageSize/8)
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	for _, tc := range []struct {
		name string
		args []string
		want subcommands.ExitStatus
	}{
		{name: "private", args: []string{path}, want: subcommands.ExitSuccess},
		{name: "private write", args: []string{"-write=hello", path}, want: subcommands.ExitSuccess},
		{name: "offset", args: []string{"-offset", "4096", "-shared", path}, want: subcommands.ExitSuccess},
		{name: "unaligned offset", args: []string{"-offset", "100", path}, want: subcommands.ExitFailure},
		{name: "missing file", args: []string{filepath.Join(t.TempDir(), "missing")}, want: subcommands.ExitFailure},
		{name: "no path", args: nil, want: subcommands.ExitUsageError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := &MapFile{}
			fs := flag.NewFlagSet("map-file", flag.ContinueOnError)
			m.SetFlags(fs)
			if err := fs.Parse(tc.args); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := m.Execute(ctx, fs, conf); got != tc.want {
				t.Errorf("Execute(%v) = %v, want %v", tc.args, got, tc.want)
			}
		})
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("host file changed by a mapping write")
	}
}

func TestStressProfile(t *testing.T) {
	ctx, conf, _ := setup(t, 32)
	path := filepath.Join(t.TempDir(), "stress.pprof")
	s := &Stress{}
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	s.SetFlags(fs)
	if err := fs.Parse([]string{"-workers=2", "-iterations=20", "-pages=4", "-fork-every=5", "-profile", path}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := s.Execute(ctx, fs, conf); got != subcommands.ExitSuccess {
		t.Fatalf("Execute = %v, want %v", got, subcommands.ExitSuccess)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat profile: %v", err)
	}
	if fi.Size() == 0 {
		t.Errorf("profile %q is empty", path)
	}
}
