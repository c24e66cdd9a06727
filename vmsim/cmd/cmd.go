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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/sentry/mm"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
	"regionmm.dev/regionmm/vmsim/config"
)

// ErrorLogger is where error messages should be written to. These messages
// are also written to stderr and the debug log.
var ErrorLogger io.Writer

// Errorf logs an error to ErrorLogger, stderr and the debug log. It returns
// subcommands.ExitFailure for convenience with subcommand.Execute().
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "vmsim: %s\n", msg)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "%s\n", msg)
	}
	return subcommands.ExitFailure
}

// Fatalf is like Errorf, but exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// newManager returns a Manager over the MemoryFile carried by ctx, laid out
// as conf describes.
func newManager(ctx context.Context, conf *config.Config) (*mm.Manager, error) {
	mf := pgalloc.MemoryFileFromContext(ctx)
	if mf == nil {
		return nil, fmt.Errorf("no physical memory attached to the context")
	}
	return mm.NewManager(mf, conf.ManagerOpts()), nil
}
