// Package platform is a small reference host for the rv64 processor model.
// It owns the bus and devices and drives every hart cooperatively, one
// block at a time, on the caller's goroutine.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rvmorph/internal/rv64"
)

var (
	// ErrHalt is returned by Run when the guest stops the platform through
	// the test finisher.
	ErrHalt = errors.New("platform halted")
	// ErrDeadlock is returned when every hart waits for an interrupt that
	// can never arrive.
	ErrDeadlock = errors.New("all harts idle with no timer armed")
)

// Platform is a cluster of harts sharing one bus.
type Platform struct {
	Model    *rv64.Model
	Bus      *rv64.Bus
	CLINT    *rv64.CLINT
	UART     *rv64.UART
	Finisher *rv64.Finisher
	Harts    []*rv64.Hart

	cfg    rv64.Config
	log    *slog.Logger
	blocks uint64
	insns  uint64
}

// Result summarizes a Run.
type Result struct {
	Blocks   uint64
	Insns    uint64
	ExitCode int
}

// Cluster is the SMP name prefix given to the platform's harts.
const Cluster = "cpu"

// New builds a platform for cfg. UART output goes to out. A nil logger
// uses slog.Default.
func New(cfg rv64.Config, out io.Writer, logger *slog.Logger) (*Platform, error) {
	if logger == nil {
		logger = slog.Default()
	}
	model, err := rv64.NewModel(cfg, logger)
	if err != nil {
		return nil, err
	}
	p := &Platform{
		Model: model,
		Bus:   rv64.NewBus(cfg.Memory.Base, cfg.Memory.Size),
		cfg:   cfg,
		log:   logger,
	}

	for i := 0; i < cfg.Harts; i++ {
		h, err := model.New(i)
		if err != nil {
			return nil, fmt.Errorf("constructing hart %d: %w", i, err)
		}
		p.Harts = append(p.Harts, h)
	}
	if err := model.PostConstruct(Cluster, p.Harts); err != nil {
		return nil, err
	}

	if cfg.Devices.CLINT != 0 {
		lines := make([]rv64.InterruptLine, len(p.Harts))
		for i, h := range p.Harts {
			lines[i] = h
		}
		p.CLINT = rv64.NewCLINT(lines)
		p.Bus.AddDevice(cfg.Devices.CLINT, p.CLINT)
	}
	if cfg.Devices.UART != 0 {
		p.UART = rv64.NewUART(out)
		p.Bus.AddDevice(cfg.Devices.UART, p.UART)
	}
	if cfg.Devices.Finisher != 0 {
		p.Finisher = rv64.NewFinisher()
		p.Bus.AddDevice(cfg.Devices.Finisher, p.Finisher)
	}

	for _, h := range p.Harts {
		if err := h.VMInit(p.Bus); err != nil {
			return nil, fmt.Errorf("%s: %w", h.Name, err)
		}
		if p.CLINT != nil {
			h.SetTimeSource(p.CLINT.Mtime)
		}
	}

	attrs := model.Attrs()
	p.log.Info("platform constructed",
		"model", attrs.Version,
		"isa", p.Harts[0].Description(),
		"harts", len(p.Harts),
		"ram_base", cfg.Memory.Base,
		"ram_size", cfg.Memory.Size)
	return p, nil
}

// LoadImage copies a raw image into guest memory.
func (p *Platform) LoadImage(addr uint64, data []byte) error {
	if err := p.Bus.LoadBytes(addr, data); err != nil {
		return fmt.Errorf("loading %d bytes at 0x%x: %w", len(data), addr, err)
	}
	return nil
}

// Stats returns the number of blocks and instructions run so far.
func (p *Platform) Stats() (blocks, insns uint64) { return p.blocks, p.insns }

// Run schedules the harts round-robin, each for up to Quantum blocks,
// until maxBlocks blocks have run in total (maxBlocks <= 0 means no
// limit), the guest halts through the finisher, or ctx is cancelled.
func (p *Platform) Run(ctx context.Context, maxBlocks uint64) (Result, error) {
	var ran uint64
	for {
		if err := ctx.Err(); err != nil {
			return p.result(), err
		}

		idle := 0
		for _, h := range p.Harts {
			n, wasIdle, err := p.runQuantum(h, maxBlocks, &ran)
			if err != nil {
				return p.result(), err
			}
			if wasIdle && n == 0 {
				idle++
			}
			if p.Finisher != nil {
				if p.Finisher.TakeReset() {
					p.log.Info("guest requested reset")
					p.Reset()
					break
				}
				if done, code := p.Finisher.Done(); done {
					p.log.Info("guest halted", "exit_code", code, "blocks", p.blocks, "insns", p.insns)
					res := p.result()
					res.ExitCode = code
					return res, ErrHalt
				}
			}
			if maxBlocks > 0 && ran >= maxBlocks {
				return p.result(), nil
			}
		}

		if idle == len(p.Harts) {
			if err := p.skipIdle(); err != nil {
				return p.result(), err
			}
		}
	}
}

// runQuantum runs one hart for up to Quantum blocks. It reports the
// number of blocks started and whether the hart ended idle.
func (p *Platform) runQuantum(h *rv64.Hart, maxBlocks uint64, ran *uint64) (int, bool, error) {
	h.Switch(rv64.SwitchIn)
	defer h.Switch(rv64.SwitchOut)

	n := 0
	for n < p.cfg.Quantum {
		if maxBlocks > 0 && *ran >= maxBlocks {
			break
		}
		exit, err := h.RunBlock()
		if err != nil {
			return n, false, fmt.Errorf("%s: %w", h.Name, err)
		}
		if exit.Reason == rv64.StopIdle {
			return n, true, nil
		}
		n++
		*ran++
		p.blocks++
		p.insns += uint64(exit.Insns)
		if p.CLINT != nil && p.blocks%uint64(p.cfg.BlocksPerTick) == 0 {
			p.CLINT.Tick(1)
		}
		if p.Finisher != nil {
			if done, _ := p.Finisher.Done(); done {
				break
			}
		}
	}
	return n, false, nil
}

// skipIdle advances mtime to the earliest armed timer when every hart is
// waiting for an interrupt.
func (p *Platform) skipIdle() error {
	if p.CLINT == nil {
		return ErrDeadlock
	}
	next := ^uint64(0)
	for i := range p.Harts {
		v, _ := p.CLINT.Read(rv64.CLINTMtimecmp+uint64(8*i), 8)
		if v < next {
			next = v
		}
	}
	now := p.CLINT.Mtime()
	if next == ^uint64(0) || next <= now {
		// Either no timer is armed or it already fired without waking
		// anyone.
		return ErrDeadlock
	}
	p.log.Debug("all harts idle", "mtime", now, "skip_to", next)
	p.CLINT.Tick(next - now)
	return nil
}

func (p *Platform) result() Result {
	return Result{Blocks: p.blocks, Insns: p.insns}
}

// Reset returns every hart to its reset state. It must only be called
// between blocks.
func (p *Platform) Reset() {
	for _, h := range p.Harts {
		h.Reset()
	}
	if p.Finisher != nil {
		p.Finisher.Clear()
	}
}

// SaveAll snapshots every hart.
func (p *Platform) SaveAll() ([]*rv64.SnapshotImage, error) {
	out := make([]*rv64.SnapshotImage, len(p.Harts))
	for i, h := range p.Harts {
		img, err := h.Save()
		if err != nil {
			return nil, err
		}
		out[i] = img
	}
	return out, nil
}

// RestoreAll restores every hart from imgs, in hart order. If any image is
// rejected the harts already restored are rolled back, so the cluster is
// either fully restored or unchanged.
func (p *Platform) RestoreAll(imgs []*rv64.SnapshotImage) error {
	if len(imgs) != len(p.Harts) {
		return fmt.Errorf("have %d snapshot images for %d harts", len(imgs), len(p.Harts))
	}
	prev, err := p.SaveAll()
	if err != nil {
		return err
	}
	for i, h := range p.Harts {
		if err := h.Restore(imgs[i]); err != nil {
			for j := 0; j < i; j++ {
				if rerr := p.Harts[j].Restore(prev[j]); rerr != nil {
					panic(fmt.Sprintf("platform: rolling back %s: %v", p.Harts[j].Name, rerr))
				}
			}
			return err
		}
	}
	p.log.Info("cluster restored", "harts", len(p.Harts))
	return nil
}

// Close releases every hart.
func (p *Platform) Close() error {
	var errs []error
	for _, h := range p.Harts {
		errs = append(errs, h.Close())
	}
	return errors.Join(errs...)
}
