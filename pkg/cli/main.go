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

// Package cli is the entry point for the minikern binary.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"minikern.dev/minikern/pkg/cmd"
	"minikern.dev/minikern/pkg/config"
)

// Main runs the command line and returns the process exit code.
func Main() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Run), "")
	subcommands.Register(new(cmd.Progs), "")
	subcommands.Register(new(cmd.ElfCheck), "")
	subcommands.Register(new(cmd.Version), "")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minikern: %v\n", err)
		return 128
	}

	return int(subcommands.Execute(context.Background(), conf))
}
