// Copyright 2026 The kubridge Authors.
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
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	procs   int
	faults  int
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fault many processes concurrently"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [options] - run processes in parallel, each registering a handler and faulting repeatedly.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.procs, "procs", 32, "number of processes.")
	f.IntVar(&s.faults, "faults", 100, "exceptions raised per process.")
	f.DurationVar(&s.timeout, "timeout", time.Minute, "give up after this long.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.procs < 1 || s.faults < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	b, err := newBridge(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	k := b.Kernel()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(conf.Cores)

	var delivered atomic.Uint64
	start := time.Now()
	for i := 0; i < s.procs; i++ {
		i := i
		g.Go(func() error {
			a, err := newApp(ctx, k, fmt.Sprintf("stress%d", i))
			if err != nil {
				return err
			}
			defer a.p.Exit(ctx, 0)
			sk, h, err := a.addSkipper()
			if err != nil {
				return err
			}
			kind := kubridge.ExceptionTypes[i%kubridge.NumExceptionTypes]
			if err := a.register(ctx, kind, h); err != nil {
				return fmt.Errorf("process %v: %w", a.p, err)
			}
			for j := 0; j < s.faults; j++ {
				if o := a.fault(ctx, kind); o.Kind != kernel.OutcomeResumed {
					return fmt.Errorf("process %v: fault %d: %v", a.p, j, o)
				}
			}
			if sk.calls != s.faults {
				return fmt.Errorf("process %v: handler called %d times, want %d", a.p, sk.calls, s.faults)
			}
			delivered.Add(uint64(sk.calls))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stdout, "FAIL: %v\n", err)
		return subcommands.ExitFailure
	}
	elapsed := time.Since(start)

	base, _ := b.FixedBase()
	fmt.Fprintf(os.Stdout, "%d processes, %d exceptions delivered in %v (%.0f/s), bootstrap base %v\n",
		s.procs, delivered.Load(), elapsed, float64(delivered.Load())/elapsed.Seconds(), base)
	return subcommands.ExitSuccess
}
