package rv64

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"unsafe"
)

// Model version metadata.
const (
	VersionString = "rvmorph-1.0"
	ModelType     = "riscv64"
)

// Processor is the contract between a host platform and one hart of the
// model. Every call is made from the host's dispatch goroutine, between
// blocks unless noted.
type Processor interface {
	// Lifecycle
	VMInit(mem Memory) error
	Reset()
	Close() error

	// Save and restore
	Save() (*SnapshotImage, error)
	Restore(img *SnapshotImage) error

	// Block dispatch. StepOp and FetchSnap may be called mid-block.
	StartBlock() (*Block, error)
	StepOp() (bool, error)
	EndBlock() (uint64, Mode)
	Morph(pc uint64) (*Block, error)
	NextPC() uint64

	FetchSnap() BlockSnap
	RdSnap(snap BlockSnap) error
	WrSnap(w io.Writer, snap BlockSnap) error

	// Exception routing
	RdPrivExcept(ev *Event) TrapTarget
	WrPrivExcept(ev *Event) (uint64, Mode)
	RdAlignExcept(ev *Event) TrapTarget
	WrAlignExcept(ev *Event) (uint64, Mode)
	RdAbortExcept(ev *Event) TrapTarget
	WrAbortExcept(ev *Event) (uint64, Mode)
	RdDeviceExcept(ev *Event) TrapTarget
	WrDeviceExcept(ev *Event) (uint64, Mode)
	IFetchExcept(addr uint64, complete bool) bool
	ArithResult(ev *Event) uint64

	// Debugger introspection. None of these change state.
	RegGroups() []string
	RegInfo() []RegInfo
	RegImpl(name string) bool
	ReadReg(name string) (uint64, error)
	ModeInfo() []ModeDescriptor
	GetMode() ModeDescriptor
	ExceptionInfo() []ExceptionDescriptor
	GetException() ExceptionDescriptor

	GetEndian(isFetch bool) binary.ByteOrder
	Switch(reason SwitchReason)
	SetInterrupt(mask uint64, level bool)
}

var _ Processor = (*Hart)(nil)

// Attrs is the static description of the model.
type Attrs struct {
	Version   string
	ModelType string
	DictNames []string

	// StateSize and BlockStateSize are the in-memory sizes of the
	// per-hart architectural state and block position.
	StateSize      uintptr
	BlockStateSize uintptr
	SRVersion      uint32
	Misa           uint64
}

// Model constructs harts for one processor configuration.
type Model struct {
	cfg    Config
	misa   uint64
	deleg  map[FaultClass]Mode
	logger *slog.Logger
}

// NewModel validates cfg and returns a model for it. A nil logger uses
// slog.Default.
func NewModel(cfg Config, logger *slog.Logger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	misa, _ := cfg.Misa()
	deleg, _ := cfg.delegations()
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{cfg: cfg, misa: misa, deleg: deleg, logger: logger}, nil
}

// Config returns the configuration the model was built with.
func (m *Model) Config() Config { return m.cfg }

// Attrs returns the model's version and size metadata.
func (m *Model) Attrs() Attrs {
	return Attrs{
		Version:        VersionString,
		ModelType:      ModelType,
		DictNames:      DictNames(),
		StateSize:      unsafe.Sizeof(State{}),
		BlockStateSize: unsafe.Sizeof(BlockSnap{}),
		SRVersion:      SRVersion,
		Misa:           m.misa,
	}
}

// SMPName returns the name of hart index within a cluster.
func (m *Model) SMPName(cluster string, index int) string {
	if cluster == "" {
		return fmt.Sprintf("hart%d", index)
	}
	return fmt.Sprintf("%s_hart%d", cluster, index)
}

// New constructs hart index in its reset-defined state. The hart cannot
// run until VMInit attaches its memory.
func (m *Model) New(index int) (*Hart, error) {
	if index < 0 {
		return nil, fmt.Errorf("invalid hart index %d", index)
	}
	h := &Hart{
		Name:      m.SMPName("", index),
		Index:     index,
		cfg:       m.cfg,
		misa:      m.misa,
		bigEndian: m.cfg.BigEndianData(),
		cache:     newBlockCache(m.cfg.CacheBlocks),
	}
	h.mmu.h = h
	h.log = m.logger.With("hart", h.Name)
	h.state = resetState(m.misa, m.cfg.HartIDBase+uint64(index), m.cfg.ResetPC)
	if m.misa&MisaH != 0 {
		h.state.Mideleg = mipVSBits
	}
	for class, mode := range m.deleg {
		if err := h.SetDelegation(class, mode); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// PostConstruct runs once every hart of the cluster exists. It assigns
// SMP names and hart ids and links siblings so that stores on one hart
// break reservations held by the others.
func (m *Model) PostConstruct(cluster string, harts []*Hart) error {
	seen := make(map[int]bool, len(harts))
	for _, h := range harts {
		if seen[h.Index] {
			return fmt.Errorf("duplicate hart index %d", h.Index)
		}
		seen[h.Index] = true
	}
	for _, h := range harts {
		h.Name = m.SMPName(cluster, h.Index)
		h.log = m.logger.With("hart", h.Name)
		h.state.Mhartid = m.cfg.HartIDBase + uint64(h.Index)
		h.siblings = h.siblings[:0]
		for _, sib := range harts {
			if sib != h {
				h.siblings = append(h.siblings, sib)
			}
		}
	}
	m.logger.Debug("cluster constructed", "cluster", cluster, "harts", len(harts))
	return nil
}

// VMInit attaches the memory the hart fetches and accesses data through.
// Memories that report writes are watched for self-modifying code.
func (h *Hart) VMInit(mem Memory) error {
	if h.closed {
		return fmt.Errorf("%s: hart is closed", h.Name)
	}
	if mem == nil {
		return ErrNoMemory
	}
	if h.cancelWatch != nil {
		h.cancelWatch()
		h.cancelWatch = nil
	}
	h.mem = mem
	h.peeker, _ = mem.(Peeker)
	if w, ok := mem.(WriteWatcher); ok {
		h.cancelWatch = w.Watch(h.noteWrite)
	}
	h.flushTranslations("memory attached")
	return nil
}

// Close releases the hart's block cache and stops watching its memory.
func (h *Hart) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.cancelWatch != nil {
		h.cancelWatch()
		h.cancelWatch = nil
	}
	h.cache.flush()
	h.active = nil
	h.mem = nil
	h.peeker = nil
	h.siblings = nil
	h.log.Debug("hart closed")
	return nil
}

// GetEndian returns the byte order of instruction fetches or data
// accesses.
func (h *Hart) GetEndian(isFetch bool) binary.ByteOrder {
	if !isFetch && h.bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// SwitchReason says whether a hart is being scheduled or descheduled.
type SwitchReason uint8

const (
	SwitchIn SwitchReason = iota
	SwitchOut
)

func (r SwitchReason) String() string {
	if r == SwitchIn {
		return "in"
	}
	return "out"
}

// Switch is called by the host when it schedules or deschedules the hart.
// Switching out abandons any block in flight at its current instruction.
func (h *Hart) Switch(reason SwitchReason) {
	h.running = reason == SwitchIn
	if reason == SwitchOut && h.active != nil {
		h.EndBlock()
	}
}

// Running reports whether the hart is currently switched in.
func (h *Hart) Running() bool { return h.running }

// SetInterrupt drives the interrupt lines in mask. Only the lines the
// platform owns are accepted; software-writable bits stay under CSR
// control.
func (h *Hart) SetInterrupt(mask uint64, level bool) {
	mask &= mipMBits | MipSEIP | MipSTIP | MipVSEIP
	if h.misa&MisaH == 0 {
		mask &^= MipVSEIP
	}
	h.state.Mip = setBit(h.state.Mip, mask, level)
	if level && h.state.Mip&h.state.Mie != 0 && h.state.WFI {
		h.log.Debug("interrupt wakes hart", "mip", h.state.Mip)
	}
}

// Description returns a one-line summary of the hart's variant.
func (h *Hart) Description() string {
	return fmt.Sprintf("%s %s %s mhartid=%d", ModelType, isaString(h.misa), h.Name, h.state.Mhartid)
}

// isaString renders misa as an ISA string such as "rv64imac".
func isaString(misa uint64) string {
	out := []byte("rv64")
	for _, ext := range "imach" {
		if misa&(1<<(ext-'a')) != 0 {
			out = append(out, byte(ext))
		}
	}
	return string(out)
}
