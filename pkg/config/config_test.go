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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"minikern.dev/minikern/pkg/kernel"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return NewFromFlags(fs)
}

func TestDefaults(t *testing.T) {
	conf, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if conf.Sched != kernel.PolicyFIFO {
		t.Errorf("Sched = %v, want fifo", conf.Sched)
	}
	if conf.TimerFreq != 100 || conf.TimeSlice != 4 {
		t.Errorf("timer = %d/%d, want 100/4", conf.TimerFreq, conf.TimeSlice)
	}
	if !conf.UseNice {
		t.Error("UseNice = false, want true")
	}
}

func TestSchedFlag(t *testing.T) {
	conf, err := parse(t, "-sched=fair", "-time-slice=8")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if conf.Sched != kernel.PolicyFair {
		t.Errorf("Sched = %v, want fair", conf.Sched)
	}
	if conf.TimeSlice != 8 {
		t.Errorf("TimeSlice = %d, want 8", conf.TimeSlice)
	}
	if _, err := parse(t, "-sched=bogus"); err == nil {
		t.Error("bogus scheduler accepted")
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.toml")
	data := `
sched = "prio"
timer-freq = 50
use-nice = false
nice-table = [0, 1, 2]
mem-pages = 4096
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	conf, err := parse(t, "-config="+path)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if conf.Sched != kernel.PolicyPrio {
		t.Errorf("Sched = %v, want prio", conf.Sched)
	}
	if conf.TimerFreq != 50 {
		t.Errorf("TimerFreq = %d, want 50", conf.TimerFreq)
	}
	if conf.UseNice {
		t.Error("UseNice = true, want false")
	}
	if conf.NiceTable[1] != 1 || conf.NiceTable[2] != 2 {
		t.Errorf("NiceTable head = %v", conf.NiceTable[:3])
	}
	if conf.MemPages != 4096 {
		t.Errorf("MemPages = %d, want 4096", conf.MemPages)
	}

	// Explicit flags override the file.
	conf, err = parse(t, "-config="+path, "-sched=fair")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if conf.Sched != kernel.PolicyFair {
		t.Errorf("Sched = %v, want fair (flag override)", conf.Sched)
	}
}

func TestRejectsBadTimer(t *testing.T) {
	if _, err := parse(t, "-timer-freq=-5"); err == nil {
		t.Error("negative timer-freq accepted")
	}
}
