package rv64

import "fmt"

// Test finisher commands, compatible with the SiFive test device.
const (
	FinisherFail  = 0x3333
	FinisherPass  = 0x5555
	FinisherReset = 0x7777

	FinisherSize = 0x1000
)

// Finisher lets guest code stop the platform by writing a status word.
type Finisher struct {
	done     bool
	reset    bool
	exitCode int
}

// NewFinisher creates an idle finisher.
func NewFinisher() *Finisher { return &Finisher{} }

// Size implements Device
func (f *Finisher) Size() uint64 { return FinisherSize }

// Read implements Device
func (f *Finisher) Read(offset uint64, size int) (uint64, error) {
	return 0, nil
}

// Write implements Device. The low 16 bits select the command; for
// FinisherFail the upper 16 bits carry the exit code.
func (f *Finisher) Write(offset uint64, size int, value uint64) error {
	if offset != 0 {
		return nil
	}
	if size != 4 {
		return fmt.Errorf("finisher: %d byte write", size)
	}
	switch value & 0xffff {
	case FinisherPass:
		f.done, f.exitCode = true, 0
	case FinisherFail:
		code := int(value>>16) & 0xffff
		if code == 0 {
			code = 1
		}
		f.done, f.exitCode = true, code
	case FinisherReset:
		f.reset = true
	}
	return nil
}

// Done reports whether the guest asked to stop, and with which exit code.
func (f *Finisher) Done() (bool, int) { return f.done, f.exitCode }

// TakeReset reports and clears a pending reset request.
func (f *Finisher) TakeReset() bool {
	r := f.reset
	f.reset = false
	return r
}

// Clear forgets a previous stop request.
func (f *Finisher) Clear() { f.done, f.exitCode, f.reset = false, 0, false }

var _ Device = (*Finisher)(nil)
