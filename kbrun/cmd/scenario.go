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
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/subcommands"
	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	kbridge "kubridge.dev/kubridge/pkg/kubridge"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct{}

type scenarioFunc func(ctx context.Context, b *kbridge.Bridge, w io.Writer) error

var scenarios = map[string]scenarioFunc{
	"custom":    scenarioCustom,
	"default":   scenarioDefault,
	"abort":     scenarioAbort,
	"exhaust":   scenarioExhaust,
	"isolation": scenarioIsolation,
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run an exception delivery scenario"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return fmt.Sprintf("scenario <%s> - run an exception delivery scenario.\n", strings.Join(scenarioNames(), "|"))
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	run, ok := scenarios[f.Arg(0)]
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	b, err := newBridge(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := run(ctx, b, os.Stdout); err != nil {
		fmt.Fprintf(os.Stdout, "FAIL: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "PASS\n")
	return subcommands.ExitSuccess
}

// register installs handler for kind through the privileged call, the way
// user code does.
func (a *app) register(ctx context.Context, kind kubridge.ExceptionType, handler uint32) error {
	if rv := a.t.Syscall(ctx, kubridge.SysRegisterExceptionHandler, uint32(kind), handler, 0, 0); rv != 0 {
		return fmt.Errorf("registering %v handler: %w", kind, sceerr.FromStatus(int32(rv)))
	}
	return nil
}

func expectResumed(w io.Writer, kind kubridge.ExceptionType, o kernel.Outcome) error {
	fmt.Fprintf(w, "%v at %#x: %v\n", kind, faultPC, o)
	if o.Kind != kernel.OutcomeResumed || o.PC != faultPC+4 {
		return fmt.Errorf("%v: got %v, want resumed at %#x", kind, o, faultPC+4)
	}
	return nil
}

func expectExited(w io.Writer, kind kubridge.ExceptionType, o kernel.Outcome) error {
	fmt.Fprintf(w, "%v at %#x: %v\n", kind, faultPC, o)
	if o.Kind != kernel.OutcomeExited || uint32(o.Status) != kubridge.ExitStatusException {
		return fmt.Errorf("%v: got %v, want exit with status %#x", kind, o, uint32(kubridge.ExitStatusException))
	}
	return nil
}

// scenarioCustom delivers a data abort to a registered handler that skips
// the faulting instruction.
func scenarioCustom(ctx context.Context, b *kbridge.Bridge, w io.Writer) error {
	a, err := newApp(ctx, b.Kernel(), "custom")
	if err != nil {
		return err
	}
	defer a.p.Exit(ctx, 0)
	s, h, err := a.addSkipper()
	if err != nil {
		return err
	}
	if err := a.register(ctx, kubridge.ExceptionTypeDataAbort, h); err != nil {
		return err
	}
	if err := expectResumed(w, kubridge.ExceptionTypeDataAbort, a.fault(ctx, kubridge.ExceptionTypeDataAbort)); err != nil {
		return err
	}
	if s.calls != 1 {
		return fmt.Errorf("handler called %d times, want 1", s.calls)
	}
	return nil
}

// scenarioDefault lets an exception without a custom handler reach the
// default handler, which exits the process.
func scenarioDefault(ctx context.Context, b *kbridge.Bridge, w io.Writer) error {
	a, err := newApp(ctx, b.Kernel(), "default")
	if err != nil {
		return err
	}
	defer a.p.Kill(ctx)
	if _, ok := b.ContextInfo(a.p.PID()); !ok {
		// Without bootstrap-on-spawn, a registration for another kind gives
		// the process its bootstrap.
		_, h, err := a.addSkipper()
		if err != nil {
			return err
		}
		if err := a.register(ctx, kubridge.ExceptionTypeUndefInstr, h); err != nil {
			return err
		}
	}
	return expectExited(w, kubridge.ExceptionTypeDataAbort, a.fault(ctx, kubridge.ExceptionTypeDataAbort))
}

// scenarioAbort registers one handler for both abort kinds with the
// deprecated call.
func scenarioAbort(ctx context.Context, b *kbridge.Bridge, w io.Writer) error {
	a, err := newApp(ctx, b.Kernel(), "abort")
	if err != nil {
		return err
	}
	defer a.p.Kill(ctx)
	s, h, err := a.addSkipper()
	if err != nil {
		return err
	}
	if rv := a.t.Syscall(ctx, kubridge.SysRegisterAbortHandler, h, 0, 0); rv != 0 {
		return fmt.Errorf("registering abort handler: %w", sceerr.FromStatus(int32(rv)))
	}
	for _, kind := range []kubridge.ExceptionType{kubridge.ExceptionTypeDataAbort, kubridge.ExceptionTypePrefetchAbort} {
		if err := expectResumed(w, kind, a.fault(ctx, kind)); err != nil {
			return err
		}
	}
	if s.calls != 2 {
		return fmt.Errorf("handler called %d times, want 2", s.calls)
	}
	return expectExited(w, kubridge.ExceptionTypeUndefInstr, a.fault(ctx, kubridge.ExceptionTypeUndefInstr))
}

// scenarioExhaust faults with too little stack left for the handler. The
// process is terminated without its stack being touched.
func scenarioExhaust(ctx context.Context, b *kbridge.Bridge, w io.Writer) error {
	a, err := newApp(ctx, b.Kernel(), "exhaust")
	if err != nil {
		return err
	}
	defer a.p.Kill(ctx)
	s, h, err := a.addSkipper()
	if err != nil {
		return err
	}
	if err := a.register(ctx, kubridge.ExceptionTypeDataAbort, h); err != nil {
		return err
	}
	stack := a.t.Stack()
	if err := a.t.SetStackBounds(ctx, stack.End, stack.End-0x100); err != nil {
		return err
	}
	a.t.Regs().SP = uint32(stack.End - 0x80)
	fmt.Fprintf(w, "stack %v, limit %v, sp %#x\n", stack, stack.End-0x100, a.t.Regs().SP)

	o := a.fault(ctx, kubridge.ExceptionTypeDataAbort)
	fmt.Fprintf(w, "%v at %#x: %v\n", kubridge.ExceptionTypeDataAbort, faultPC, o)
	if o.Kind != kernel.OutcomeKilled {
		return fmt.Errorf("got %v, want killed", o)
	}
	if s.calls != 0 {
		return fmt.Errorf("handler called %d times, want 0", s.calls)
	}
	return nil
}

// scenarioIsolation shows that a registration in one process has no effect
// on another.
func scenarioIsolation(ctx context.Context, b *kbridge.Bridge, w io.Writer) error {
	a, err := newApp(ctx, b.Kernel(), "registered")
	if err != nil {
		return err
	}
	defer a.p.Kill(ctx)
	other, err := newApp(ctx, b.Kernel(), "bystander")
	if err != nil {
		return err
	}
	defer other.p.Kill(ctx)

	s, h, err := a.addSkipper()
	if err != nil {
		return err
	}
	if err := a.register(ctx, kubridge.ExceptionTypeDataAbort, h); err != nil {
		return err
	}
	if got := other.t.Syscall(ctx, kubridge.SysQueryExceptionHandler, uint32(kubridge.ExceptionTypeDataAbort)); got != 0 {
		return fmt.Errorf("bystander sees handler %v", hostarch.Addr(got))
	}
	o := other.fault(ctx, kubridge.ExceptionTypeDataAbort)
	fmt.Fprintf(w, "bystander: %v at %#x: %v\n", kubridge.ExceptionTypeDataAbort, faultPC, o)
	if o.Kind == kernel.OutcomeResumed {
		return fmt.Errorf("bystander resumed at %v", o.PC)
	}
	if s.calls != 0 {
		return fmt.Errorf("handler called %d times for the bystander", s.calls)
	}
	fmt.Fprintf(w, "registered: ")
	return expectResumed(w, kubridge.ExceptionTypeDataAbort, a.fault(ctx, kubridge.ExceptionTypeDataAbort))
}
