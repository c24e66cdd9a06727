// Copyright 2018 The gVisor Authors.
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

// Package cli is the main entrypoint for vmsim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/refs"
	"regionmm.dev/regionmm/pkg/sentry/irq"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
	"regionmm.dev/regionmm/vmsim/cmd"
	"regionmm.dev/regionmm/vmsim/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	logTarget := io.Writer(os.Stderr)
	if conf.LogFilename != "" {
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logTarget = f
		cmd.ErrorLogger = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, logTarget))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	refs.SetLeakMode(conf.ReferenceLeak)

	log.Infof("vmsim %s/%s, %d CPUs, PID %d", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()

	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Frames: uint32(conf.Frames)})
	if err != nil {
		cmd.Fatalf("error creating physical memory: %v", err)
	}
	ctx := pgalloc.WithMemoryFile(context.Background(), mf)
	ctx = irq.WithProcessor(ctx, irq.NewProcessor())

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)

	if inUse := mf.Stats().InUse; inUse != 0 {
		log.Warningf("%d physical pages still in use at exit", inUse)
		if subcmdCode == subcommands.ExitSuccess {
			subcmdCode = subcommands.ExitFailure
		}
	}
	if err := mf.Destroy(); err != nil {
		log.Warningf("Error releasing physical memory: %v", err)
	}
	// Check for leaks before os.Exit().
	if n := refs.DoLeakCheck(); n > 0 && subcmdCode == subcommands.ExitSuccess {
		subcmdCode = subcommands.ExitFailure
	}
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by vmsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	const workloads = "workloads"
	cb(new(cmd.Fork), workloads)
	cb(new(cmd.MapFile), workloads)
	cb(new(cmd.Stress), workloads)
	cb(new(cmd.Metrics), workloads)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
