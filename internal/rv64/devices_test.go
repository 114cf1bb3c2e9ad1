package rv64

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type lineRecorder struct {
	levels map[uint64]bool
}

func (l *lineRecorder) SetInterrupt(mask uint64, level bool) {
	if l.levels == nil {
		l.levels = make(map[uint64]bool)
	}
	l.levels[mask] = level
}

func TestCLINTTimer(t *testing.T) {
	line := &lineRecorder{}
	c := NewCLINT([]InterruptLine{line})

	if got, _ := c.Read(CLINTMtimecmp, 8); got != ^uint64(0) {
		t.Fatalf("mtimecmp: expected all ones at reset, got 0x%x", got)
	}
	if err := c.Write(CLINTMtimecmp, 8, 10); err != nil {
		t.Fatal(err)
	}
	if line.levels[MipMTIP] {
		t.Fatal("timer pending before mtime reached mtimecmp")
	}

	c.Tick(9)
	if line.levels[MipMTIP] {
		t.Error("timer pending at mtime 9")
	}
	c.Tick(1)
	if !line.levels[MipMTIP] {
		t.Error("expected the timer pending at mtime 10")
	}
	if got, _ := c.Read(CLINTMtime, 8); got != 10 || c.Mtime() != 10 {
		t.Errorf("mtime: expected 10, got %d", got)
	}

	// Moving mtimecmp forward clears the line.
	if err := c.Write(CLINTMtimecmp+4, 4, 1); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Read(CLINTMtimecmp, 8); got != 1<<32|10 {
		t.Errorf("mtimecmp: expected a merged high word, got 0x%x", got)
	}
	if line.levels[MipMTIP] {
		t.Error("expected the timer cleared after raising mtimecmp")
	}
}

func TestCLINTSoftwareInterrupt(t *testing.T) {
	lines := []*lineRecorder{{}, {}}
	c := NewCLINT([]InterruptLine{lines[0], lines[1]})

	if err := c.Write(CLINTMsip+4, 4, 1); err != nil {
		t.Fatal(err)
	}
	if lines[0].levels[MipMSIP] || !lines[1].levels[MipMSIP] {
		t.Fatalf("expected only hart 1's software interrupt, got %v %v", lines[0].levels, lines[1].levels)
	}
	if got, _ := c.Read(CLINTMsip+4, 4); got != 1 {
		t.Errorf("msip1: expected 1, got %d", got)
	}
	if err := c.Write(CLINTMsip+4, 4, 0); err != nil {
		t.Fatal(err)
	}
	if lines[1].levels[MipMSIP] {
		t.Error("expected the software interrupt cleared")
	}

	// Offsets past the last hart are ignored.
	if err := c.Write(CLINTMsip+8, 4, 1); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Read(CLINTMsip+8, 4); got != 0 {
		t.Errorf("expected an unimplemented msip to read zero, got %d", got)
	}
}

func TestCLINTDrivesHart(t *testing.T) {
	r := newRig(t, testConfig())
	c := NewCLINT([]InterruptLine{r.hart})
	c.Write(CLINTMtimecmp, 8, 1)
	c.Tick(1)
	if r.hart.State().Mip&MipMTIP == 0 {
		t.Error("expected MTIP pending on the hart")
	}
}

func TestUART(t *testing.T) {
	var out bytes.Buffer
	u := NewUART(&out)

	for _, c := range []byte("hi") {
		if err := u.Write(UARTRegTHR, 1, uint64(c)); err != nil {
			t.Fatal(err)
		}
	}
	if out.String() != "hi" || u.Written != 2 {
		t.Errorf("expected \"hi\" written, got %q (%d)", out.String(), u.Written)
	}
	if lsr, _ := u.Read(UARTRegLSR, 1); lsr&UARTLSRTHREmpty == 0 {
		t.Error("expected the transmitter always ready")
	}
	if rbr, _ := u.Read(UARTRegRBR, 1); rbr != 0 {
		t.Errorf("expected no received data, got %d", rbr)
	}

	// With DLAB set, offsets 0 and 1 address the divisor latch.
	u.Write(UARTRegLCR, 1, 0x83)
	u.Write(UARTRegTHR, 1, 0x0c)
	u.Write(UARTRegIER, 1, 0x01)
	if u.DLL != 0x0c || u.DLH != 0x01 || u.IER != 0 {
		t.Errorf("expected a divisor write, got DLL=%d DLH=%d IER=%d", u.DLL, u.DLH, u.IER)
	}
	if out.Len() != 2 {
		t.Error("divisor write reached the output")
	}

	if err := u.Write(UARTRegTHR, 2, 'x'); !errors.Is(err, ErrUARTAccessSize) {
		t.Errorf("expected ErrUARTAccessSize, got %v", err)
	}
	if _, err := u.Read(UARTRegLSR, 4); !errors.Is(err, ErrUARTAccessSize) {
		t.Errorf("expected ErrUARTAccessSize, got %v", err)
	}

	if NewUART(nil).Output != io.Discard {
		t.Error("expected a nil output to discard")
	}
}

func TestFinisher(t *testing.T) {
	f := NewFinisher()
	if done, _ := f.Done(); done {
		t.Fatal("finisher done at reset")
	}

	tests := []struct {
		value uint64
		code  int
	}{
		{FinisherPass, 0},
		{3<<16 | FinisherFail, 3},
		{FinisherFail, 1},
	}
	for _, tt := range tests {
		f.Clear()
		if err := f.Write(0, 4, tt.value); err != nil {
			t.Fatal(err)
		}
		done, code := f.Done()
		if !done || code != tt.code {
			t.Errorf("write 0x%x: expected done with code %d, got %v %d", tt.value, tt.code, done, code)
		}
	}

	f.Clear()
	f.Write(0, 4, FinisherReset)
	if done, _ := f.Done(); done {
		t.Error("reset request stopped the platform")
	}
	if !f.TakeReset() || f.TakeReset() {
		t.Error("expected TakeReset to report the request once")
	}

	if err := f.Write(0, 2, FinisherPass); err == nil {
		t.Error("expected a halfword write to be rejected")
	}
	if done, _ := f.Done(); done {
		t.Error("rejected write stopped the platform")
	}
}

func TestBusRouting(t *testing.T) {
	var out bytes.Buffer
	bus := NewBus(base, testRAMSize)
	uart := NewUART(&out)
	bus.AddDevice(DefaultUARTBase, uart)

	if err := bus.Write(base+8, 8, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if got, _ := bus.Read(base+8, 4); got != 0x55667788 {
		t.Errorf("expected little-endian RAM, got 0x%x", got)
	}
	if got, err := bus.Peek(base+12, 4); err != nil || got != 0x11223344 {
		t.Errorf("Peek: expected 0x11223344, got 0x%x %v", got, err)
	}
	if _, err := bus.Peek(DefaultUARTBase, 1); err == nil {
		t.Error("expected a device peek to fail")
	}

	if _, err := bus.Read(0x4000, 4); !errors.Is(err, ErrUnmapped) {
		t.Errorf("expected ErrUnmapped, got %v", err)
	}
	var devErr *DeviceError
	if err := bus.Write(DefaultUARTBase, 4, 'x'); !errors.As(err, &devErr) || !errors.Is(err, ErrUARTAccessSize) {
		t.Errorf("expected a DeviceError wrapping ErrUARTAccessSize, got %v", err)
	}
	if _, err := bus.Read(base+testRAMSize-2, 4); !errors.Is(err, ErrUnmapped) {
		t.Errorf("expected an access past the end of RAM to fail, got %v", err)
	}

	if err := bus.LoadBytes(DefaultUARTBase, []byte("ok")); err != nil {
		t.Fatal(err)
	}
	// The second byte lands on the register after THR.
	if out.String() != "o" || uart.IER != 'k' {
		t.Errorf("expected LoadBytes to reach the UART registers, got %q IER=0x%x", out.String(), uart.IER)
	}
}

func TestBusWatchers(t *testing.T) {
	bus := NewBus(base, testRAMSize)
	var seen []uint64
	cancel := bus.Watch(func(addr uint64, size int) { seen = append(seen, addr) })

	bus.Write(base, 4, 1)
	if err := bus.LoadBytes(base+0x100, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	bus.Read(base, 4)
	if len(seen) != 2 || seen[0] != base || seen[1] != base+0x100 {
		t.Fatalf("expected two write notifications, got %x", seen)
	}

	cancel()
	bus.Write(base, 4, 2)
	if len(seen) != 2 {
		t.Error("cancelled watcher still notified")
	}

	buf := make([]byte, 4)
	if n, err := bus.ReadAt(buf, int64(base+0x100)); err != nil || n != 4 || !bytes.Equal(buf, []byte{1, 2, 3, 0}) {
		t.Errorf("ReadAt: got %d %v %v", n, buf, err)
	}
	if n, err := bus.ReadAt(buf, 0x4000); err != io.EOF || n != 0 {
		t.Errorf("ReadAt of unmapped memory: expected EOF, got %d %v", n, err)
	}
}
