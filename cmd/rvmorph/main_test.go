package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/tinyrange/rvmorph/internal/platform"
	"github.com/tinyrange/rvmorph/internal/rv64"
)

func newTestPlatform(t *testing.T, harts int) *platform.Platform {
	t.Helper()
	cfg := rv64.DefaultConfig()
	cfg.Memory.Size = 1 << 20
	cfg.Harts = harts
	p, err := platform.New(cfg, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("platform.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSnapshotFiles(t *testing.T) {
	dir := t.TempDir()
	p := newTestPlatform(t, 2)
	for i, h := range p.Harts {
		s := h.State()
		s.X[10] = uint64(100 + i)
		if err := h.SetState(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := saveSnapshots(dir, p); err != nil {
		t.Fatalf("saveSnapshots: %v", err)
	}
	for _, h := range p.Harts {
		if _, err := os.Stat(snapshotPath(dir, h)); err != nil {
			t.Errorf("missing snapshot for %s: %v", h.Name, err)
		}
	}

	fresh := newTestPlatform(t, 2)
	if err := loadSnapshots(dir, fresh); err != nil {
		t.Fatalf("loadSnapshots: %v", err)
	}
	for i, h := range fresh.Harts {
		if got := h.State().X[10]; got != uint64(100+i) {
			t.Errorf("%s: expected a0=%d, got %d", h.Name, 100+i, got)
		}
	}

	if err := loadSnapshots(t.TempDir(), fresh); err == nil {
		t.Error("expected an empty directory to fail")
	}
}

func TestPrintRegisters(t *testing.T) {
	p := newTestPlatform(t, 1)
	var out bytes.Buffer
	printRegisters(&out, p)

	text := out.String()
	for _, want := range []string{"cpu_hart0: MACHINE", "rv64imac", "a0", "mstatus", "generation="} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in the register dump:\n%s", want, text)
		}
	}
	if strings.Contains(text, "last trap") {
		t.Error("reported a trap before any ran")
	}
}

func TestDumpMemory(t *testing.T) {
	p := newTestPlatform(t, 1)
	if err := p.LoadImage(rv64.DefaultRAMBase, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := dumpMemory(&out, p.Bus, "0x80000000:5"); err != nil {
		t.Fatalf("dumpMemory: %v", err)
	}
	if !strings.Contains(out.String(), "68 65 6c 6c 6f") || !strings.Contains(out.String(), "|hello|") {
		t.Errorf("unexpected dump:\n%s", out.String())
	}

	for _, region := range []string{"0x80000000", "zz:4", "0x80000000:x", "0x4000:4"} {
		if err := dumpMemory(io.Discard, p.Bus, region); err == nil {
			t.Errorf("dumpMemory(%q): expected an error", region)
		}
	}
}
