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

// Package config holds the boot configuration and its sources: a TOML
// config file overlaid by command-line flags.
package config

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"
	"minikern.dev/minikern/pkg/kernel"
)

// Config is the boot configuration shared by all commands.
type Config struct {
	// Sched is the scheduler selector from the kernel command line.
	Sched kernel.Policy

	// TimerFreq is the timer interrupt frequency in Hz.
	TimerFreq int

	// TimeSlice is the preemption quantum in ticks.
	TimeSlice int

	// UseNice selects per-thread nice values for the fair policy; when
	// false the static NiceTable applies.
	UseNice bool

	// NiceTable maps base priority to nice when UseNice is false.
	NiceTable [kernel.NumPriorities]int

	// MemPages bounds the physical page allocator; 0 is unbounded.
	MemPages int

	// RealTime drives the timer from the wall clock instead of letting the
	// idle thread advance virtual time.
	RealTime bool

	// Debug enables kernel debug logging.
	Debug bool
}

// fileConfig is the TOML shape of the config file.
type fileConfig struct {
	Sched     string `toml:"sched"`
	TimerFreq int    `toml:"timer-freq"`
	TimeSlice int    `toml:"time-slice"`
	UseNice   *bool  `toml:"use-nice"`
	NiceTable []int  `toml:"nice-table"`
	MemPages  int    `toml:"mem-pages"`
}

// RegisterFlags registers the boot flags on flagSet.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("sched", "fifo", "scheduler policy: fifo, prio, fair, or mlfqs.")
	flagSet.Int("timer-freq", 100, "timer interrupt frequency in ticks per second.")
	flagSet.Int("time-slice", 4, "ticks a thread runs before preemption.")
	flagSet.Bool("use-nice", true, "fair policy reads per-thread nice values; false uses the static table from the config file.")
	flagSet.Int("mem-pages", 0, "physical page budget; 0 means unbounded.")
	flagSet.Bool("real-time", false, "drive the timer from the wall clock.")
	flagSet.String("config", "", "path to a TOML config file; flags set explicitly override it.")
	flagSet.Bool("debug", false, "enable kernel debug logging.")
}

// NewFromFlags builds a Config from a parsed flag set, loading the TOML
// file first if one was named and letting explicitly set flags win.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{
		Sched:     kernel.PolicyFIFO,
		TimerFreq: 100,
		TimeSlice: 4,
		UseNice:   true,
	}

	if path := flagSet.Lookup("config").Value.String(); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := conf.applyFile(&fc); err != nil {
			return nil, err
		}
	}

	var err error
	flagSet.Visit(func(f *flag.Flag) {
		if ferr := conf.applyFlag(f); ferr != nil && err == nil {
			err = ferr
		}
	})
	if err != nil {
		return nil, err
	}

	if conf.TimerFreq <= 0 || conf.TimeSlice <= 0 {
		return nil, fmt.Errorf("timer-freq and time-slice must be positive")
	}
	return conf, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	if fc.Sched != "" {
		policy, err := kernel.ParsePolicy(fc.Sched)
		if err != nil {
			return err
		}
		c.Sched = policy
	}
	if fc.TimerFreq != 0 {
		c.TimerFreq = fc.TimerFreq
	}
	if fc.TimeSlice != 0 {
		c.TimeSlice = fc.TimeSlice
	}
	if fc.UseNice != nil {
		c.UseNice = *fc.UseNice
	}
	if len(fc.NiceTable) > kernel.NumPriorities {
		return fmt.Errorf("nice-table has %d entries, max %d", len(fc.NiceTable), kernel.NumPriorities)
	}
	copy(c.NiceTable[:], fc.NiceTable)
	if fc.MemPages != 0 {
		c.MemPages = fc.MemPages
	}
	return nil
}

func (c *Config) applyFlag(f *flag.Flag) error {
	switch f.Name {
	case "sched":
		policy, err := kernel.ParsePolicy(f.Value.String())
		if err != nil {
			return err
		}
		c.Sched = policy
	case "timer-freq":
		fmt.Sscanf(f.Value.String(), "%d", &c.TimerFreq)
	case "time-slice":
		fmt.Sscanf(f.Value.String(), "%d", &c.TimeSlice)
	case "use-nice":
		c.UseNice = f.Value.String() == "true"
	case "mem-pages":
		fmt.Sscanf(f.Value.String(), "%d", &c.MemPages)
	case "real-time":
		c.RealTime = f.Value.String() == "true"
	case "debug":
		c.Debug = f.Value.String() == "true"
	}
	return nil
}
