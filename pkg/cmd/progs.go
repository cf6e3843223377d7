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
	"flag"
	"fmt"
	"sort"

	"github.com/google/subcommands"
	"minikern.dev/minikern/pkg/progs"
)

// Progs implements subcommands.Command for the "progs" command.
type Progs struct{}

// Name implements subcommands.Command.Name.
func (*Progs) Name() string {
	return "progs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Progs) Synopsis() string {
	return "list the programs on the built-in filesystem image"
}

// Usage implements subcommands.Command.Usage.
func (*Progs) Usage() string {
	return "progs - lists runnable programs.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Progs) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Progs) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	names := progs.Names()
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(name)
	}
	return subcommands.ExitSuccess
}
