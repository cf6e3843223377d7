// Copyright 2024 The minikern Authors.
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
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/config"
	"minikern.dev/minikern/pkg/fs"
	"minikern.dev/minikern/pkg/kernel"
	"minikern.dev/minikern/pkg/mm"
	"minikern.dev/minikern/pkg/progs"
)

// Run implements subcommands.Command for the "run" command: boot the
// kernel, execute one command line on the demo filesystem image, and wait
// for it.
type Run struct {
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot the kernel and run a user command line"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <program> [args...] - boots the kernel and executes the program.

The program is looked up on the built-in filesystem image (see "progs").
Program output goes to stdout; the exit status is reported on completion.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.quiet, "quiet", false, "suppress the exit status report")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cmdline := strings.Join(f.Args(), " ")
	conf := args[0].(*config.Config)
	log := newLogger(conf)

	image := fs.NewMemFS()
	progs.Install(image)

	k := kernel.New(kernel.Config{
		Policy:        conf.Sched,
		TimerFreq:     conf.TimerFreq,
		TimeSlice:     conf.TimeSlice,
		UseNice:       conf.UseNice,
		NiceTable:     conf.NiceTable,
		ExternalTimer: conf.RealTime,
		Alloc:         mm.NewAllocator(conf.MemPages),
		FS:            image,
		Console:       os.Stdout,
		Log:           log,
	})
	k.Boot()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if conf.RealTime {
		g.Go(func() error {
			return tickDriver(gctx, k, conf.TimerFreq)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Error("interrupted")
			os.Exit(130)
		case <-gctx.Done():
		}
	}()

	pid := k.Execute(cmdline)
	if pid == abi.PIDError {
		fatalf("loading %q failed", cmdline)
	}
	code := k.Wait(pid)

	cancel()
	g.Wait()
	k.Shutdown()

	if !r.quiet {
		result := runResult{Command: cmdline, ExitStatus: int(code)}
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			fatalf("marshaling run result: %v", err)
		}
	}
	if code != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type runResult struct {
	Command    string `json:"command"`
	ExitStatus int    `json:"exitStatus"`
}

// tickDriver delivers timer interrupts at the configured frequency until
// the context ends.
func tickDriver(ctx context.Context, k *kernel.Kernel, freq int) error {
	limiter := rate.NewLimiter(rate.Limit(freq), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		k.Tick()
	}
}
