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

// Package cmd implements the minikern subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"minikern.dev/minikern/pkg/config"
)

// fatalf prints an error and exits the whole binary.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "minikern: "+format+"\n", args...)
	os.Exit(128)
}

// newLogger builds the command logger from the boot config.
func newLogger(conf *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if conf.Debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
