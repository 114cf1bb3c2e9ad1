package rv64

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
)

// SRVersion is the snapshot format this model writes. Zero is never a
// valid version.
const SRVersion uint32 = 1

// supportedVersions lists the formats Restore accepts.
var supportedVersions = []uint32{SRVersion}

const snapshotMagic = "RVMS"

var (
	// ErrVersionMismatch is matched by errors for images written by an
	// unsupported format version.
	ErrVersionMismatch = errors.New("snapshot version mismatch")
	// ErrBadSnapshot is matched by errors for corrupt or foreign images.
	ErrBadSnapshot = errors.New("bad snapshot image")
)

// VersionMismatchError reports an image whose version this model cannot
// restore.
type VersionMismatchError struct {
	Expected uint32
	Found    uint32
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("snapshot version %d, expected %d", e.Found, e.Expected)
}

func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

// SnapshotImage is the opaque saved state of one hart.
type SnapshotImage struct {
	Version uint32
	Data    []byte
}

const snapFlagBlockActive = 1

type snapshotHeader struct {
	Magic      string `struc:"[4]byte"`
	Version    uint32
	Hart       uint32
	Flags      uint32
	Generation uint64
	BodyLen    uint32
	CRC        uint32
}

type snapshotBody struct {
	State State
	Block BlockSnap
}

// BlockSnap records where the hart is inside the block in flight.
type BlockSnap struct {
	Active bool
	Entry  uint64
	Mode   Mode
	Ctx    Ctx
	Index  uint32
	PC     uint64
}

// FetchSnap returns the position inside the block in flight.
func (h *Hart) FetchSnap() BlockSnap {
	b := h.active
	if b == nil {
		return BlockSnap{PC: h.state.PC}
	}
	return BlockSnap{
		Active: true,
		Entry:  b.Key.PC,
		Mode:   b.Key.Mode,
		Ctx:    b.Key.Ctx,
		Index:  uint32(h.opIndex),
		PC:     h.state.PC,
	}
}

// RdSnap resumes execution inside a block at the recorded position. The
// block is re-translated from its key, which must match the current state.
func (h *Hart) RdSnap(snap BlockSnap) error {
	if !snap.Active {
		h.active = nil
		return nil
	}
	key := BlockKey{PC: snap.Entry, Mode: snap.Mode, Ctx: snap.Ctx}
	if cur := h.Key(); cur.Mode != key.Mode || cur.Ctx != key.Ctx {
		return fmt.Errorf("%w: block %s does not match hart mode %s", ErrBadSnapshot, key, cur.Mode)
	}
	b, err := h.morphKey(key)
	if err != nil {
		return fmt.Errorf("%w: re-translating block %s: %v", ErrBadSnapshot, key, err)
	}
	i := int(snap.Index)
	if i >= b.Len() || b.ops[i].pc != snap.PC || h.state.PC != snap.PC {
		return fmt.Errorf("%w: block %s has no instruction %d at 0x%x", ErrBadSnapshot, key, i, snap.PC)
	}
	h.active = b
	h.opIndex = i
	h.stale = false
	return nil
}

// WrSnap serializes a block position.
func (h *Hart) WrSnap(w io.Writer, snap BlockSnap) error {
	return struc.PackWithOrder(w, &snap, binary.LittleEndian)
}

// ReadSnap deserializes a block position written by WrSnap.
func ReadSnap(r io.Reader) (BlockSnap, error) {
	var snap BlockSnap
	if err := struc.UnpackWithOrder(r, &snap, binary.LittleEndian); err != nil {
		return BlockSnap{}, fmt.Errorf("reading block position: %w", err)
	}
	return snap, nil
}

// Save captures the architectural state and block position. It does not
// modify the hart.
func (h *Hart) Save() (*SnapshotImage, error) {
	body := snapshotBody{State: h.state, Block: h.FetchSnap()}
	var raw bytes.Buffer
	if err := struc.PackWithOrder(&raw, &body, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("%s: packing state: %w", h.Name, err)
	}
	packed := snappy.Encode(nil, raw.Bytes())

	hdr := snapshotHeader{
		Magic:      snapshotMagic,
		Version:    SRVersion,
		Hart:       uint32(h.Index),
		Generation: h.cache.gen,
		BodyLen:    uint32(len(packed)),
		CRC:        crc32.ChecksumIEEE(packed),
	}
	if body.Block.Active {
		hdr.Flags |= snapFlagBlockActive
	}
	var out bytes.Buffer
	if err := struc.PackWithOrder(&out, &hdr, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("%s: packing header: %w", h.Name, err)
	}
	out.Write(packed)
	return &SnapshotImage{Version: SRVersion, Data: out.Bytes()}, nil
}

func versionSupported(v uint32) bool {
	for _, s := range supportedVersions {
		if v == s {
			return true
		}
	}
	return false
}

// decodeSnapshot validates an image and returns its contents.
func decodeSnapshot(img *SnapshotImage) (snapshotHeader, snapshotBody, error) {
	var hdr snapshotHeader
	var body snapshotBody
	if img == nil {
		return hdr, body, fmt.Errorf("%w: nil image", ErrBadSnapshot)
	}
	if !versionSupported(img.Version) {
		return hdr, body, &VersionMismatchError{Expected: SRVersion, Found: img.Version}
	}
	r := bytes.NewReader(img.Data)
	if err := struc.UnpackWithOrder(r, &hdr, binary.LittleEndian); err != nil {
		return hdr, body, fmt.Errorf("%w: header: %v", ErrBadSnapshot, err)
	}
	if hdr.Magic != snapshotMagic {
		return hdr, body, fmt.Errorf("%w: magic %q", ErrBadSnapshot, hdr.Magic)
	}
	if hdr.Version != img.Version {
		return hdr, body, &VersionMismatchError{Expected: img.Version, Found: hdr.Version}
	}
	packed := img.Data[len(img.Data)-r.Len():]
	if uint32(len(packed)) != hdr.BodyLen {
		return hdr, body, fmt.Errorf("%w: body is %d bytes, header says %d", ErrBadSnapshot, len(packed), hdr.BodyLen)
	}
	if crc32.ChecksumIEEE(packed) != hdr.CRC {
		return hdr, body, fmt.Errorf("%w: checksum mismatch", ErrBadSnapshot)
	}
	raw, err := snappy.Decode(nil, packed)
	if err != nil {
		return hdr, body, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(raw), &body, binary.LittleEndian); err != nil {
		return hdr, body, fmt.Errorf("%w: body: %v", ErrBadSnapshot, err)
	}
	return hdr, body, nil
}

// validState rejects states the model could never have produced.
func (h *Hart) validState(s *State) error {
	switch s.Priv {
	case PrivUser, PrivSupervisor, PrivMachine:
	default:
		return fmt.Errorf("%w: privilege level %d", ErrBadSnapshot, s.Priv)
	}
	if s.Virt && (s.Priv == PrivMachine || h.misa&MisaH == 0) {
		return fmt.Errorf("%w: virtualized at privilege %d", ErrBadSnapshot, s.Priv)
	}
	if s.FaultClass >= faultClasses || s.Pending {
		return fmt.Errorf("%w: router state %s pending=%v", ErrBadSnapshot, s.FaultClass, s.Pending)
	}
	if s.Misa&^MisaC != h.misa&^MisaC {
		return fmt.Errorf("%w: misa 0x%x does not match variant 0x%x", ErrBadSnapshot, s.Misa, h.misa)
	}
	return nil
}

// Restore replaces the hart's state with a saved image. The image is fully
// validated first; on any error the hart is left unchanged.
func (h *Hart) Restore(img *SnapshotImage) error {
	hdr, body, err := decodeSnapshot(img)
	if err != nil {
		return fmt.Errorf("%s: restore: %w", h.Name, err)
	}
	if hdr.Hart != uint32(h.Index) {
		return fmt.Errorf("%s: restore: %w: image of hart %d", h.Name, ErrBadSnapshot, hdr.Hart)
	}
	if err := h.validState(&body.State); err != nil {
		return fmt.Errorf("%s: restore: %w", h.Name, err)
	}

	prev, prevActive, prevIndex := h.state, h.active, h.opIndex
	h.state = body.State
	h.active = nil
	h.router.state = FaultNone
	h.flushTranslations("restore")
	if err := h.RdSnap(body.Block); err != nil {
		// Only translations were lost; the block in flight ends at its
		// next instruction boundary.
		h.state = prev
		h.active, h.opIndex = prevActive, prevIndex
		h.flushTranslations("restore failed")
		return fmt.Errorf("%s: restore: %w", h.Name, err)
	}
	h.log.Debug("state restored", "pc", h.state.PC, "mode", h.state.Mode(), "in_block", body.Block.Active)
	return nil
}

// imageFile is the on-disk form of a SnapshotImage.
type imageFile struct {
	Version uint32
	Size    uint32 `struc:"sizeof=Data"`
	Data    []byte
}

// WriteImage writes img in a form ReadImage accepts.
func WriteImage(w io.Writer, img *SnapshotImage) error {
	f := imageFile{Version: img.Version, Data: img.Data}
	if err := struc.PackWithOrder(w, &f, binary.LittleEndian); err != nil {
		return fmt.Errorf("writing snapshot image: %w", err)
	}
	return nil
}

// ReadImage reads an image written by WriteImage. The contents are only
// validated by Restore.
func ReadImage(r io.Reader) (*SnapshotImage, error) {
	var f imageFile
	if err := struc.UnpackWithOrder(r, &f, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	return &SnapshotImage{Version: f.Version, Data: f.Data}, nil
}
