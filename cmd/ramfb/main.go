//go:build linux || darwin

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/ramfb/internal/chipset"
	"github.com/tinyrange/ramfb/internal/config"
	"github.com/tinyrange/ramfb/internal/console"
	"github.com/tinyrange/ramfb/internal/devices/fwcfg"
	"github.com/tinyrange/ramfb/internal/devices/ramfb"
	"github.com/tinyrange/ramfb/internal/hv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ramfb: %v\n", err)
		os.Exit(1)
	}
}

// display is a console the host can shut down.
type display interface {
	ramfb.Console
	Close() error
}

func run() error {
	configPath := flag.String("config", "", "Machine description (YAML); built-in default if empty")
	consoleName := flag.String("console", "", "Console to use: headless or terminal (overrides config)")
	format := flag.String("format", "", "Pixel format, e.g. XRGB8888 (overrides config)")
	width := flag.Uint("width", 0, "Framebuffer width (overrides config)")
	height := flag.Uint("height", 0, "Framebuffer height (overrides config)")
	stride := flag.Uint("stride", 0, "Framebuffer stride in bytes, 0 for packed rows (overrides config)")
	frames := flag.Int("frames", 10, "Refresh cycles to run, 0 to run until interrupted")
	screendump := flag.String("screendump", "", "Write the last frame to a .png or .bmp file (headless console)")
	printConfig := flag.Bool("print-config", false, "Print the effective machine description and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a memory-only guest that programs a ramfb display through fw_cfg.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -frames 1 -screendump frame.png\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -console terminal -frames 0 -width 320 -height 240\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	machine := config.Default()
	if *configPath != "" {
		var err error
		if machine, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	d := &machine.Display
	if *consoleName != "" {
		d.Console = *consoleName
	}
	if *format != "" {
		d.Format = *format
	}
	if *width != 0 || *height != 0 {
		d.Width, d.Height, d.Stride = uint32(*width), uint32(*height), 0
	}
	if *stride != 0 {
		d.Stride = uint32(*stride)
	}
	if err := machine.Validate(); err != nil {
		return err
	}

	if *printConfig {
		out, err := machine.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return boot(ctx, machine, *frames, *screendump)
}

func hostArchitecture() hv.CpuArchitecture {
	switch runtime.GOARCH {
	case "amd64":
		return hv.ArchitectureX86_64
	case "arm64":
		return hv.ArchitectureARM64
	default:
		return hv.ArchitectureInvalid
	}
}

func boot(ctx context.Context, machine config.Machine, frames int, screendump string) (err error) {
	layout := hv.NewAddressSpace(hostArchitecture())
	for _, b := range machine.Memory {
		if _, err := layout.AddRAM(b.Name, b.Base, b.Size); err != nil {
			return err
		}
	}
	if err := layout.RegisterFixed("fw_cfg", machine.FwCfg.Base, fwcfg.DefaultSize); err != nil {
		return err
	}

	mem, err := hv.NewMemory(layout)
	if err != nil {
		return fmt.Errorf("create guest memory: %w", err)
	}
	defer func() {
		if cerr := mem.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	fw := fwcfg.New(machine.FwCfg.Base)
	fb := ramfb.New()
	fb.Register(fw)

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("fw_cfg", fw); err != nil {
		return err
	}
	if err := builder.RegisterDevice("ramfb", fb); err != nil {
		return err
	}
	cs, err := builder.Build(mem)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cs.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	if err := cs.Start(); err != nil {
		return err
	}

	con, headless, err := openConsole(machine.Display.Console)
	if err != nil {
		return err
	}
	// Closed before the chipset so the displayed surface is released first.
	defer func() {
		if cerr := con.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	cfg, err := machine.Display.RAMFBConfig()
	if err != nil {
		return err
	}

	low := layout.RAM()[0]
	g := &guest{
		bus:     cs,
		mem:     mem,
		fwBase:  fw.Base(),
		scratch: low.End() - scratchSize,
	}

	if err := g.paint(cfg, 0); err != nil {
		slog.Warn("guest: framebuffer not fully backed", "err", err)
	}
	if err := g.programRAMFB(cfg); err != nil {
		return fmt.Errorf("program ramfb: %w", err)
	}
	if _, ok := fb.Config(); !ok {
		slog.Warn("ramfb: configuration rejected, display stays blank", "config", cfg.String())
	} else {
		w, h := fb.Size()
		slog.Info("ramfb: display configured", "width", w, "height", h, "format", ramfb.FourCCString(cfg.FourCC))
	}

	refreshLoop(ctx, g, fb, con, cfg, frames, machine.Display.Refresh, headless != nil)

	if headless != nil {
		replaced, redraws := headless.Stats()
		slog.Info("console: done", "surfaces", replaced, "redraws", redraws)
		if screendump != "" {
			if err := headless.Screendump(screendump); err != nil {
				return err
			}
			slog.Info("console: screendump written", "path", screendump)
		}
	}

	return cs.Stop()
}

func openConsole(name string) (display, *console.Headless, error) {
	switch name {
	case "terminal":
		t, err := console.OpenTerminal(os.Stdout)
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil
	default:
		h := console.NewHeadless()
		return h, h, nil
	}
}

// refreshLoop repaints the guest test card and runs one display refresh per
// tick. A frames count of zero runs until ctx is cancelled.
func refreshLoop(ctx context.Context, g *guest, fb *ramfb.RAMFB, con ramfb.Console, cfg ramfb.Config, frames int, interval time.Duration, showProgress bool) {
	var bar *progressbar.ProgressBar
	if showProgress && frames > 0 {
		bar = progressbar.Default(int64(frames), "refresh")
		defer bar.Close()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for frame := 0; frames == 0 || frame < frames; frame++ {
		if frame > 0 {
			if err := g.paint(cfg, frame); err != nil {
				slog.Debug("guest: paint failed", "frame", frame, "err", err)
			}
		}
		fb.Refresh(con)
		if bar != nil {
			_ = bar.Add(1)
		}

		if frames != 0 && frame == frames-1 {
			break
		}
		select {
		case <-ctx.Done():
			slog.Info("interrupted", "frames", frame+1)
			return
		case <-ticker.C:
		}
	}
}
