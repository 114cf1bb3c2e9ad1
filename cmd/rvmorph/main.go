package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/rvmorph/internal/platform"
	"github.com/tinyrange/rvmorph/internal/rv64"
)

// progressChunk is how many blocks run between progress bar updates.
const progressChunk = 4096

func snapshotPath(dir string, h *rv64.Hart) string {
	return filepath.Join(dir, h.Name+".snap")
}

// saveSnapshots writes one image file per hart, concurrently.
func saveSnapshots(dir string, p *platform.Platform) error {
	imgs, err := p.SaveAll()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	var g errgroup.Group
	for i, h := range p.Harts {
		path, img := snapshotPath(dir, h), imgs[i]
		g.Go(func() error {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := rv64.WriteImage(f, img); err != nil {
				f.Close()
				return fmt.Errorf("%s: %w", path, err)
			}
			return f.Close()
		})
	}
	return g.Wait()
}

// loadSnapshots reads one image file per hart, concurrently, and restores
// the cluster from them.
func loadSnapshots(dir string, p *platform.Platform) error {
	imgs := make([]*rv64.SnapshotImage, len(p.Harts))
	var g errgroup.Group
	for i, h := range p.Harts {
		i, path := i, snapshotPath(dir, h)
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			img, err := rv64.ReadImage(f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			imgs[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.RestoreAll(imgs)
}

// printRegisters writes a register table for every hart.
func printRegisters(w io.Writer, p *platform.Platform) {
	const nameWidth = 12
	for _, h := range p.Harts {
		fmt.Fprintf(w, "%s: %s (%s)\n", h.Name, h.GetMode().Name, h.Description())
		col := 0
		for _, info := range h.RegInfo() {
			val, err := h.ReadReg(info.Name)
			if err != nil {
				continue
			}
			name := ansi.Truncate(info.Name, nameWidth, "…")
			pad := strings.Repeat(" ", nameWidth-ansi.StringWidth(name))
			fmt.Fprintf(w, "  %s%s %016x", name, pad, val)
			col++
			if col%3 == 0 {
				fmt.Fprintln(w)
			}
		}
		if col%3 != 0 {
			fmt.Fprintln(w)
		}
		st := h.CacheStats()
		fmt.Fprintf(w, "  blocks=%d generation=%d hits=%d misses=%d evictions=%d\n",
			st.Blocks, st.Generation, st.Hits, st.Misses, st.Evictions)
		if ex := h.GetException(); ex.Name != "" {
			fmt.Fprintf(w, "  last trap: %s (%s)\n", ex.Name, ex.Description)
		}
	}
}

// dumpMemory hex dumps physical memory. region is "addr:length", both
// accepting Go integer prefixes.
func dumpMemory(w io.Writer, mem io.ReaderAt, region string) error {
	addrText, lenText, ok := strings.Cut(region, ":")
	if !ok {
		return fmt.Errorf("memory region %q: expected addr:length", region)
	}
	addr, err := strconv.ParseUint(addrText, 0, 64)
	if err != nil {
		return fmt.Errorf("memory region %q: %w", region, err)
	}
	length, err := strconv.ParseUint(lenText, 0, 32)
	if err != nil {
		return fmt.Errorf("memory region %q: %w", region, err)
	}

	fmt.Fprintf(w, "memory at 0x%x:\n", addr)
	d := hex.Dumper(w)
	n, err := io.Copy(d, io.NewSectionReader(mem, int64(addr), int64(length)))
	d.Close()
	if err != nil {
		return fmt.Errorf("dump 0x%x: %w", addr+uint64(n), err)
	}
	if uint64(n) < length {
		return fmt.Errorf("dump 0x%x: no memory", addr+uint64(n))
	}
	return nil
}

func run() (int, error) {
	configPath := flag.String("config", "", "YAML configuration file")
	image := flag.String("image", "", "raw image to load")
	loadAddr := flag.Uint64("load-addr", 0, "physical address to load the image at (default: reset PC)")
	harts := flag.Int("harts", 0, "number of harts (overrides config)")
	variant := flag.String("variant", "", "ISA extensions, e.g. IMAC (overrides config)")
	hypervisor := flag.Bool("hypervisor", false, "enable the H extension")
	maxBlocks := flag.Uint64("max-blocks", 0, "stop after this many blocks (0: no limit)")
	checkDeterminism := flag.Bool("check-determinism", false, "re-translate every cached block on use")
	saveDir := flag.String("save", "", "write per-hart snapshots to this directory when done")
	restoreDir := flag.String("restore", "", "restore per-hart snapshots from this directory before running")
	regs := flag.Bool("regs", false, "print registers when done")
	dump := flag.String("dump", "", "hex dump physical memory addr:length when done")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := rv64.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = rv64.LoadConfig(*configPath); err != nil {
			return 1, err
		}
	}
	if *harts > 0 {
		cfg.Harts = *harts
	}
	if *variant != "" {
		cfg.Variant = *variant
	}
	if *hypervisor {
		cfg.Hypervisor = true
	}
	if *checkDeterminism {
		cfg.CheckDeterminism = true
	}

	p, err := platform.New(cfg, os.Stdout, logger)
	if err != nil {
		return 1, fmt.Errorf("create platform: %w", err)
	}
	defer p.Close()

	if *image != "" {
		data, err := os.ReadFile(*image)
		if err != nil {
			return 1, fmt.Errorf("read image: %w", err)
		}
		addr := *loadAddr
		if addr == 0 {
			addr = cfg.ResetPC
		}
		if err := p.LoadImage(addr, data); err != nil {
			return 1, err
		}
	}
	if *restoreDir != "" {
		if err := loadSnapshots(*restoreDir, p); err != nil {
			return 1, fmt.Errorf("restore snapshots: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var res platform.Result
	if *maxBlocks > 0 && term.IsTerminal(int(os.Stderr.Fd())) && !*debug {
		pb := progressbar.Default(int64(*maxBlocks), "running")
		for done := uint64(0); done < *maxBlocks && err == nil; {
			chunk := min(progressChunk, *maxBlocks-done)
			before, _ := p.Stats()
			res, err = p.Run(ctx, chunk)
			after, _ := p.Stats()
			done += chunk
			pb.Add64(int64(after - before))
		}
		pb.Close()
	} else {
		res, err = p.Run(ctx, *maxBlocks)
	}

	exitCode := 0
	switch {
	case errors.Is(err, platform.ErrHalt):
		exitCode = res.ExitCode
	case errors.Is(err, context.Canceled):
		slog.Info("interrupted")
	case err != nil:
		return 1, err
	}
	slog.Info("run finished", "blocks", res.Blocks, "insns", res.Insns, "exit_code", exitCode)

	if *regs {
		printRegisters(os.Stdout, p)
	}
	if *dump != "" {
		if err := dumpMemory(os.Stdout, p.Bus, *dump); err != nil {
			return 1, err
		}
	}
	if *saveDir != "" {
		if err := saveSnapshots(*saveDir, p); err != nil {
			return 1, fmt.Errorf("save snapshots: %w", err)
		}
	}
	return exitCode, nil
}

func main() {
	code, err := run()
	if err != nil {
		slog.Error("rvmorph failed", "error", err)
		os.Exit(1)
	}
	os.Exit(code)
}
