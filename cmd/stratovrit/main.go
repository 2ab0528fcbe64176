// Command stratovrit builds the device substrate described by a machine
// manifest, enumerates it the way a guest would over ECAM, and optionally
// exercises a snapshot save/restore cycle. It is a harness for inspecting
// and validating manifests without a hypervisor backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/yuluo-zy/stratovrit"
	"github.com/yuluo-zy/stratovrit/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stratovrit: %v\n", err)
		os.Exit(1)
	}
}

// ramMemory is plain host-allocated guest RAM.
type ramMemory struct {
	mu   sync.Mutex
	data []byte
}

func (m *ramMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("guest read out of bounds at %#x", off)
	}
	return copy(p, m.data[off:]), nil
}

func (m *ramMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("guest write out of bounds at %#x", off)
	}
	return copy(m.data[off:], p), nil
}

func run() error {
	manifestPath := flag.String("manifest", "", "Machine manifest (YAML)")
	snapshotPath := flag.String("snapshot", "", "Write a machine snapshot to this file after bringup")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -manifest <file> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Build the device tree from a manifest and print its PCI layout.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *manifestPath == "" {
		flag.Usage()
		return fmt.Errorf("manifest file required")
	}

	manifest, err := config.Load(*manifestPath)
	if err != nil {
		return err
	}

	mem := &ramMemory{data: make([]byte, manifest.Machine.MemorySize)}
	machine, err := stratovrit.NewMachine(mem, manifest, stratovrit.MachineOptions{
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}
	if err := machine.Start(); err != nil {
		return fmt.Errorf("start machine: %w", err)
	}
	defer machine.Stop()

	for i := range manifest.Devices {
		dc := &manifest.Devices[i]
		fn := machine.Function(dc.Name)
		if fn == nil {
			continue
		}
		id, err := fn.ReadConfig(0, 4)
		if err != nil {
			return fmt.Errorf("read config of %q: %w", dc.Name, err)
		}
		fmt.Printf("%-12s kind=%s slot=%d vendor=%04x device=%04x\n",
			dc.Name, dc.Kind, dc.Slot, uint16(id), uint16(id>>16))
		for _, region := range fn.MMIORegions() {
			fmt.Printf("  mmio %#010x +%#x\n", region.Address, region.Size)
		}
	}

	if *snapshotPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f, err := os.Create(*snapshotPath)
		if err != nil {
			return fmt.Errorf("create snapshot file: %w", err)
		}
		defer f.Close()
		if err := machine.SaveSnapshot(ctx, f); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		logger.Info("snapshot written", "path", *snapshotPath)
	}
	return nil
}
