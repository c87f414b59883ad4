// Command vhotplug watches udev for USB/PCI/evdev hotplug events and
// attaches/detaches them to QEMU or crosvm VMs according to a JSON rule
// configuration, per spec.md. Wiring follows the shape of the teacher's
// cmd/api/main.go: flag/env config loaded first, an errgroup supervising
// every long-running goroutine, signal.NotifyContext driving shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiiuae/vhotplug/lib/api"
	"github.com/tiiuae/vhotplug/lib/config"
	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/filewatch"
	"github.com/tiiuae/vhotplug/lib/hypervisor"
	"github.com/tiiuae/vhotplug/lib/hypervisor/crosvm"
	qemuhv "github.com/tiiuae/vhotplug/lib/hypervisor/qemu"
	"github.com/tiiuae/vhotplug/lib/logger"
	"github.com/tiiuae/vhotplug/lib/orchestrator"
	"github.com/tiiuae/vhotplug/lib/paths"
	"github.com/tiiuae/vhotplug/lib/registry"
	"github.com/tiiuae/vhotplug/lib/udevsrc"
	"github.com/tiiuae/vhotplug/lib/usbids"
	"github.com/tiiuae/vhotplug/lib/vherr"
	"github.com/tiiuae/vhotplug/lib/vhtelemetry"
)

// pcieBusPrefix is the pcie root-port bus new evdev devices are
// attached under (spec.md §4.4's bus=<pcie_bus_prefix>.<N>). vhotplug
// does not expose this as a per-VM config knob; every teacher VM
// topology this daemon targets roots its hotpluggable pcie devices
// under "pcie.0".
const pcieBusPrefix = "pcie"

func main() {
	if err := run(); err != nil {
		slog.Error("vhotplug exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("c", "", "path to the JSON configuration file")
	attachConnected := flag.Bool("attach-connected", false, "attach already-connected devices on startup")
	flag.BoolVar(attachConnected, "a", false, "shorthand for --attach-connected")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.BoolVar(debug, "d", false, "shorthand for --debug")
	flag.Parse()

	if *configPath == "" {
		return fmt.Errorf("%w: -c <path> is required", vherr.ConfigInvalid)
	}

	env := config.LoadDaemonEnv()
	p := paths.New(env.StateDir)
	log := newLogger(env, *debug, p)
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	telemetry, telemetryShutdown, err := vhtelemetry.Init(context.Background(), vhtelemetry.Config{
		ServiceName: "vhotplug",
		Version:     "dev",
	})
	if err != nil {
		log.Warn("telemetry init failed, continuing without it", "error", err)
	}
	if telemetryShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetryShutdown(shutdownCtx)
		}()
	}
	var counters *vhtelemetry.Counters
	if telemetry != nil {
		if c, err := vhtelemetry.NewCounters(telemetry.MeterFor("orchestrator")); err == nil {
			counters = c
		}
	}
	usbidsCandidates := paths.DefaultUSBIDsPaths
	if env.USBIDsPath != "" {
		usbidsCandidates = append([]string{env.USBIDsPath}, usbidsCandidates...)
	} else {
		usbidsCandidates = append([]string{p.USBIDsFile()}, usbidsCandidates...)
	}
	usbDB, err := usbids.Load(usbidsCandidates)
	if err != nil {
		return fmt.Errorf("load usb.ids database: %w", err)
	}

	hypervisors := make(map[string]hypervisor.Hypervisor, len(cfg.Vms))
	for _, vm := range cfg.Vms {
		switch vm.Type {
		case "qemu":
			hypervisors[vm.Name] = qemuhv.New(vm.Socket, pcieBusPrefix)
		case "crosvm":
			hypervisors[vm.Name] = crosvm.New(vm.Socket, "")
		default:
			return fmt.Errorf("%w: vm %q has unknown type %q", vherr.ConfigInvalid, vm.Name, vm.Type)
		}
	}

	reg := registry.New()
	apiServer := api.NewServer(cfg.General.Api, nil, log)
	orch := orchestrator.New(cfg, reg, usbDB, apiServer, hypervisors, counters)
	apiServer.SetDispatcher(orch)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, log)

	src := udevsrc.New([]string{"usb", "pci", "input"})

	watcher, err := filewatch.New()
	if err != nil {
		return fmt.Errorf("init file watcher: %w", err)
	}
	defer watcher.Close()
	watcher.OnRestart = func(ctx context.Context, vmName string) {
		if err := orch.ReattachAfterRestart(ctx, vmName); err != nil {
			log.Warn("re-attach after vm restart failed", "vm", vmName, "error", err)
		}
	}
	for _, vm := range cfg.Vms {
		if err := watcher.AddSocket(vm.Socket, vm.Name); err != nil {
			log.Warn("failed to watch vm socket", "vm", vm.Name, "error", err)
		}
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return orch.Run(gctx)
	})

	grp.Go(func() error {
		if err := apiServer.Start(gctx); err != nil {
			return fmt.Errorf("start api server: %w", err)
		}
		<-gctx.Done()
		return apiServer.Stop()
	})

	grp.Go(func() error {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				watcher.Poll(gctx)
			}
		}
	})

	grp.Go(func() error {
		return runKernelEventLoop(gctx, src, usbDB, orch, log)
	})

	if *attachConnected {
		raws, err := src.EnumerateConnected()
		if err != nil {
			log.Warn("enumerate connected devices failed", "error", err)
		} else {
			events := normalizeAll(src, usbDB, raws, log)
			if err := orch.AttachConnected(ctx, events); err != nil {
				log.Warn("attach-connected sweep failed", "error", err)
			}
		}
	}

	log.Info("vhotplug started", "config", *configPath)
	err = grp.Wait()
	if err != nil && gctx.Err() != nil {
		// Shutdown was signal-driven, not a genuine failure.
		return nil
	}
	return err
}

func runKernelEventLoop(ctx context.Context, src *udevsrc.Source, usbDB *usbids.Database, orch *orchestrator.Orchestrator, log *slog.Logger) error {
	rawCh, errCh, err := src.Events(ctx)
	if err != nil {
		return fmt.Errorf("start udev monitor: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				return nil
			}
			return fmt.Errorf("%w: %v", vherr.SourceLost, err)
		case raw, ok := <-rawCh:
			if !ok {
				return nil
			}
			ev, err := device.Normalize(src, usbDB, raw)
			if err != nil {
				if !errors.Is(err, vherr.Unsupported) {
					log.Warn("normalize device event failed", "error", err)
				}
				continue
			}
			if err := orch.HandleKernelEvent(ctx, ev); err != nil {
				log.Warn("handle kernel event failed", "error", err)
			}
		}
	}
}

func normalizeAll(src *udevsrc.Source, usbDB *usbids.Database, raws []*udevsrc.RawDevice, log *slog.Logger) []device.Event {
	events := make([]device.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := device.Normalize(src, usbDB, raw)
		if err != nil {
			if !errors.Is(err, vherr.Unsupported) {
				log.Warn("normalize connected device failed", "error", err)
			}
			continue
		}
		events = append(events, ev)
	}
	return events
}

// newLogger wraps the base text handler with a VMLogHandler so any log
// record carrying a "vm" attribute (attach/detach warnings, restart
// handling) is also appended to that VM's own log file under
// p.VMLogFile, letting an operator tail one VM's hotplug activity
// without grepping the combined daemon log.
func newLogger(env *config.DaemonEnv, debugFlag bool, p *paths.Paths) *slog.Logger {
	level := slog.LevelInfo
	if debugFlag {
		level = slog.LevelDebug
	} else if lvl, err := parseLevel(env.LogLevel); err == nil {
		level = lvl
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logger.NewVMLogHandler(handler, p.VMLogFile))
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}
