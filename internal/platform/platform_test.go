package platform

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/rvmorph/internal/rv64"
)

// Programs are raw RV64 words loaded at the reset PC.
var (
	// Prints "OK" on the UART and passes through the finisher.
	helloProgram = []uint32{
		0x100002b7, // lui t0, 0x10000
		0x04f00313, // li t1, 'O'
		0x00628023, // sb t1, 0(t0)
		0x04b00313, // li t1, 'K'
		0x00628023, // sb t1, 0(t0)
		0x001003b7, // lui t2, 0x100
		0x00005e37, // lui t3, 0x5
		0x555e0e13, // addi t3, t3, 0x555
		0x01c3a023, // sw t3, 0(t2)
		0x0000006f, // j .
	}

	// Fails through the finisher with exit code 3.
	failProgram = []uint32{
		0x00033e37, // lui t3, 0x33
		0x333e0e13, // addi t3, t3, 0x333
		0x001003b7, // lui t2, 0x100
		0x01c3a023, // sw t3, 0(t2)
		0x0000006f, // j .
	}

	// Waits for an interrupt that is never enabled.
	idleProgram = []uint32{
		0x10500073, // wfi
		0xffdff06f, // j -4
	}

	// Arms the timer for mtime 10 and waits for it. The handler at
	// offset 0x4c passes through the finisher.
	timerProgram = []uint32{
		0x020042b7, // lui t0, 0x2004
		0x00a00313, // li t1, 10
		0x0062b023, // sd t1, 0(t0)
		0x00000397, // auipc t2, 0
		0x04038393, // addi t2, t2, 0x40
		0x30539073, // csrw mtvec, t2
		0x08000313, // li t1, 0x80
		0x30431073, // csrw mie, t1
		0x30046073, // csrsi mstatus, 8
		0x10500073, // wfi
		0xffdff06f, // j -4
	}
	timerHandler = []uint32{
		0x001003b7, // lui t2, 0x100
		0x00005e37, // lui t3, 0x5
		0x555e0e13, // addi t3, t3, 0x555
		0x01c3a023, // sw t3, 0(t2)
		0x0000006f, // j .
	}

	loopProgram = []uint32{
		0x0000006f, // j .
	}
)

func testConfig() rv64.Config {
	cfg := rv64.DefaultConfig()
	cfg.Memory.Size = 1 << 20
	return cfg
}

func newPlatform(t *testing.T, cfg rv64.Config, out io.Writer) *Platform {
	t.Helper()
	p, err := New(cfg, out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func load(t *testing.T, p *Platform, addr uint64, words []uint32) {
	t.Helper()
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	if err := p.LoadImage(addr, buf); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
}

func TestHello(t *testing.T) {
	var out bytes.Buffer
	p := newPlatform(t, testConfig(), &out)
	load(t, p, rv64.DefaultRAMBase, helloProgram)

	res, err := p.Run(context.Background(), 1000)
	if !errors.Is(err, ErrHalt) {
		t.Fatalf("expected ErrHalt, got %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
	if out.String() != "OK" {
		t.Errorf("expected UART output \"OK\", got %q", out.String())
	}
	if res.Insns < 9 || res.Blocks == 0 {
		t.Errorf("unexpected counts %+v", res)
	}
	if blocks, insns := p.Stats(); blocks != res.Blocks || insns != res.Insns {
		t.Errorf("Stats disagrees with the result: %d %d", blocks, insns)
	}
}

func TestFailExitCode(t *testing.T) {
	p := newPlatform(t, testConfig(), nil)
	load(t, p, rv64.DefaultRAMBase, failProgram)

	res, err := p.Run(context.Background(), 1000)
	if !errors.Is(err, ErrHalt) {
		t.Fatalf("expected ErrHalt, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
}

func TestDeadlock(t *testing.T) {
	p := newPlatform(t, testConfig(), nil)
	load(t, p, rv64.DefaultRAMBase, idleProgram)

	if _, err := p.Run(context.Background(), 1000); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock, got %v", err)
	}
}

func TestTimerWakesIdleHart(t *testing.T) {
	p := newPlatform(t, testConfig(), nil)
	load(t, p, rv64.DefaultRAMBase, timerProgram)
	load(t, p, rv64.DefaultRAMBase+0x4c, timerHandler)

	res, err := p.Run(context.Background(), 1000)
	if !errors.Is(err, ErrHalt) || res.ExitCode != 0 {
		t.Fatalf("expected a clean halt, got %+v %v", res, err)
	}
	s := p.Harts[0].State()
	if s.Mcause != rv64.CauseMTimerInt {
		t.Errorf("expected a timer interrupt, mcause=0x%x", s.Mcause)
	}
	if p.CLINT.Mtime() < 10 {
		t.Errorf("expected mtime to reach mtimecmp, got %d", p.CLINT.Mtime())
	}
}

func TestRunLimits(t *testing.T) {
	p := newPlatform(t, testConfig(), nil)
	load(t, p, rv64.DefaultRAMBase, loopProgram)

	res, err := p.Run(context.Background(), 5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Blocks != 5 {
		t.Errorf("expected 5 blocks, got %d", res.Blocks)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMultipleHarts(t *testing.T) {
	cfg := testConfig()
	cfg.Harts = 2
	p := newPlatform(t, cfg, nil)
	load(t, p, rv64.DefaultRAMBase, loopProgram)

	if _, err := p.Run(context.Background(), 40); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, h := range p.Harts {
		if h.Name != p.Model.SMPName(Cluster, i) {
			t.Errorf("hart %d: unexpected name %q", i, h.Name)
		}
		if h.State().Mhartid != uint64(i) {
			t.Errorf("hart %d: unexpected mhartid %d", i, h.State().Mhartid)
		}
		if h.Running() {
			t.Errorf("hart %d: still switched in after Run", i)
		}
	}
}

func TestRestoreAll(t *testing.T) {
	cfg := testConfig()
	cfg.Harts = 2
	p := newPlatform(t, cfg, nil)

	imgs, err := p.SaveAll()
	if err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	for _, h := range p.Harts {
		s := h.State()
		s.X[10] = 7
		if err := h.SetState(s); err != nil {
			t.Fatal(err)
		}
	}

	bad := []*rv64.SnapshotImage{imgs[0], {Version: rv64.SRVersion + 1, Data: imgs[1].Data}}
	if err := p.RestoreAll(bad); !errors.Is(err, rv64.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	for i, h := range p.Harts {
		if got := h.State().X[10]; got != 7 {
			t.Errorf("hart %d: expected the failed restore rolled back, a0=%d", i, got)
		}
	}

	if err := p.RestoreAll(imgs[:1]); err == nil {
		t.Error("expected a short image list to be rejected")
	}

	if err := p.RestoreAll(imgs); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	for i, h := range p.Harts {
		if got := h.State().X[10]; got != 0 {
			t.Errorf("hart %d: expected a0 restored to 0, got %d", i, got)
		}
	}
}
