//go:build unix

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalsfoundry/link-emulator/internal/control"
	"github.com/signalsfoundry/link-emulator/internal/logging"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out, logging.Noop())
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func readSignal(t *testing.T, path string) control.Signal {
	t.Helper()
	r, err := control.OpenMMap(path, false)
	if err != nil {
		t.Fatalf("OpenMMap: %v", err)
	}
	defer r.Close()
	sig, err := control.NewRegionSource(r).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return sig
}

func TestInitSetRateAndToggle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl")

	if _, err := execute(t, "init", path, "--mbps", "24"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if sig := readSignal(t, path); sig.Value != 24_000_000 || !sig.Enabled {
		t.Fatalf("after init: %+v", sig)
	}
	if _, err := execute(t, "init", path); err == nil {
		t.Fatalf("init overwrote an existing file without --force")
	}

	if _, err := execute(t, "set-rate", path, "--mbps", "6"); err != nil {
		t.Fatalf("set-rate: %v", err)
	}
	if _, err := execute(t, "disable", path); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if sig := readSignal(t, path); sig.Value != 6_000_000 || sig.Enabled {
		t.Fatalf("after set-rate and disable: %+v", sig)
	}

	if _, err := execute(t, "enable", path); err != nil {
		t.Fatalf("enable: %v", err)
	}
	out, err := execute(t, "show", path)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "rate: 6000000 bit/s") || !strings.Contains(out, "enabled: true") {
		t.Fatalf("show output:\n%s", out)
	}
}

func TestSetRateRejectsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl")
	if _, err := execute(t, "init", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := execute(t, "set-rate", path); err == nil {
		t.Fatalf("set-rate with no value succeeded")
	}
	if _, err := execute(t, "set-rate", path, "--mbps", "1", "--bps", "5"); err == nil {
		t.Fatalf("set-rate accepted mutually exclusive flags")
	}
}

func TestShowIntervalMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl")
	if _, err := execute(t, "init", path, "--interval", "4", "--disabled"); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := execute(t, "show", path, "--mode", "interval")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "interval: 4 ms") || !strings.Contains(out, "enabled: false") {
		t.Fatalf("show output:\n%s", out)
	}
}

func TestReplayAccelerated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctl")
	schedule := filepath.Join(dir, "schedule.yaml")
	if err := os.WriteFile(schedule, []byte(`
steps:
  - at: 1s
    mbps: 3
  - at: 2s
    enabled: false
`), 0o644); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	if _, err := execute(t, "init", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := execute(t, "replay", path, schedule, "--accelerated"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if sig := readSignal(t, path); sig.Value != 3_000_000 || sig.Enabled {
		t.Fatalf("after replay: %+v", sig)
	}
}
