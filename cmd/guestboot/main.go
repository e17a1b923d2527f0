// Command guestboot runs the guest bring-up sequence against a modeled
// machine and prints the resulting console transcript.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/guestboot"
	"github.com/tinyrange/guestboot/internal/board"
	"github.com/tinyrange/guestboot/internal/mmu"
	"github.com/tinyrange/guestboot/internal/platform"
	"github.com/tinyrange/guestboot/internal/virtio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "guestboot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	platName := flag.String("platform", "qemu", "Target machine (qemu, crosvm)")
	failBlk := flag.Bool("fail-blk", false, "Make the block device reject feature negotiation")
	input := flag.String("input", "", "Bytes to type at the console after bring-up")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a modeled aarch64 guest to steady state and show its console.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := platform.Load(*platName)
	if err != nil {
		return err
	}

	b, err := board.NewMachine(cfg, board.Options{
		VirtioSlots: []board.VirtioSlotConfig{
			{DeviceID: virtio.DeviceIDBlock, RejectFeatures: *failBlk},
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	m, err := guestboot.BringUp(guestboot.Options{
		DTB:        b.DTB(),
		Bus:        b.Bus,
		Table:      mmu.NewIdentityTable(),
		CPU:        b.Core,
		Controller: b.GIC,
		Conduit:    b.Firmware,
		Logger:     log,
	})
	if err != nil {
		dumpConsole(b)
		return fmt.Errorf("bring-up failed (machine state: %s): %w", b.PowerState(), err)
	}

	attrs := []any{"platform", cfg.Name, "virtio_devices", len(m.Virtio)}
	if m.Clock != nil {
		attrs = append(attrs, "wall_clock", m.Clock.ReadWallClock())
	}
	log.Info("bring-up complete", attrs...)

	if *input != "" {
		b.ConsoleInput([]byte(*input))
	}

	// SYSTEM_OFF on the modeled firmware latches and returns; that return
	// is expected here.
	_ = m.PowerOff()

	dumpConsole(b)
	fmt.Printf("machine state: %s\n", b.PowerState())
	return nil
}

// dumpConsole prints the guest's serial transcript, dimmed when stdout is
// a terminal.
func dumpConsole(b *board.Machine) {
	out := string(b.ConsoleOutput())
	if out == "" {
		return
	}
	out = strings.ReplaceAll(out, "\r\n", "\n")
	if term.IsTerminal(int(os.Stdout.Fd())) {
		style := ansi.Style{}.Faint()
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			fmt.Println(style.Styled(line))
		}
		return
	}
	fmt.Print(out)
}
