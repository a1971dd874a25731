package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"vnic/internal/bridge"
	"vnic/internal/config"
	"vnic/internal/netutil"
	"vnic/internal/shm"
	"vnic/internal/sim"
	"vnic/internal/trace"
)

var version string

const (
	colorRed    = "\033[91m"
	colorGreen  = "\033[92m"
	colorYellow = "\033[93m"
	colorCyan   = "\033[96m"
	colorBold   = "\033[1m"
	colorReset  = "\033[0m"
)

// Banners go to stdout and diagnostics to stderr; each is coloured only
// when its own stream is a terminal.
var (
	useColor    = term.IsTerminal(int(os.Stdout.Fd()))
	useErrColor = term.IsTerminal(int(os.Stderr.Fd()))
)

func paint(color, s string) string {
	return colorize(useColor, color, s)
}

func paintErr(color, s string) string {
	return colorize(useErrColor, color, s)
}

func colorize(enabled bool, color, s string) string {
	if !enabled {
		return s
	}
	return color + s + colorReset
}

func usageHeader() string {
	name := "vnic"
	if version != "" {
		name += " " + version
	}
	return name + " - bridge a simulated NIC to a host network interface"
}

func main() {
	cfgPath := flag.String("config", "", "YAML config file (flags override its values)")
	engine := flag.String("engine", config.EngineLoopback, "simulator shared object exporting ghdl_main, or \"loopback\"")
	tracePath := flag.String("trace", "", "write every bridged frame to this pcap file")
	bufferSize := flag.Int("buffer-size", shm.DefaultCapacity, "capacity of each RX/TX buffer in bytes")
	verbose := flag.Bool("v", false, "log every frame")
	var etherType config.EtherType
	flag.Var(&etherType, "ethertype", "only receive frames of this EtherType, e.g. 0x88b5")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", usageHeader())
		fmt.Fprintf(os.Stderr, "Usage:\n  sudo %s [options] <interface> [-- simulator args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sudo %s eth0\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  sudo %s -engine ./libtb_vnic.so -trace run.pcap eth0 -- --stop-time=10ms\n", os.Args[0])
	}

	flag.Parse()

	ifaceName, engineArgs, err := splitArgs(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "engine":
			cfg.Engine = *engine
		case "trace":
			cfg.Trace = *tracePath
		case "buffer-size":
			cfg.BufferSize = *bufferSize
		case "v":
			cfg.Verbose = *verbose
		case "ethertype":
			cfg.EtherType = etherType
		}
	})
	if len(engineArgs) > 0 {
		cfg.EngineArgs = engineArgs
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Verbose)

	if os.Getuid() != 0 {
		fmt.Fprintf(os.Stderr, "%s\n", paintErr(colorYellow, "Not running as root; raw sockets need root or CAP_NET_RAW."))
	}

	var rec *trace.Recorder
	if cfg.Trace != "" {
		if rec, err = trace.Create(cfg.Trace, uint32(cfg.BufferSize)); err != nil {
			log.Fatalf("trace: %v", err)
		}
	}

	br := bridge.New(bridge.Options{
		Interface:  ifaceName,
		BufferSize: cfg.BufferSize,
		EtherType:  uint16(cfg.EtherType),
		Trace:      rec,
		Logger:     logger,
	})
	if err := br.Start(); err != nil {
		log.Fatalf("%s", paintErr(colorRed, startupDiagnostic(err)))
	}

	name, index := br.Interface()
	fmt.Printf("Netdev index for %s: %d\n", name, index)
	logger.Debug("interface", "desc", netutil.Describe(name, index))

	eng, closeEngine, err := openEngine(cfg, name, logger)
	if err != nil {
		br.Close()
		log.Fatalf("%s", paintErr(colorRed, err.Error()))
	}

	// A blocked receive can only be ended by leaving the process; the
	// kernel reclaims the sockets and mappings. The simulator's stdio is
	// flushed first since os.Exit skips libc's exit path.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		fmt.Fprintf(os.Stderr, "\n%s\n", paintErr(colorYellow, fmt.Sprintf("%v received, stopping simulation", s)))
		if f, ok := eng.(interface{ Flush() }); ok {
			f.Flush()
		}
		os.Exit(128 + int(s.(syscall.Signal)))
	}()

	fmt.Printf("\t%s\n", paint(colorCyan, "Starting simulation..."))
	args := append([]string{os.Args[0]}, cfg.EngineArgs...)
	status := eng.Run(args, br)
	fmt.Printf("\t%s\n", paint(colorCyan, "Simulation done!"))

	printStats(br.Stats(), status)

	if err := br.Close(); err != nil {
		log.Printf("cleanup: %v", err)
	}
	if err := closeEngine(); err != nil {
		log.Printf("unload simulator: %v", err)
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Printf("trace: %v", err)
		}
	}
	os.Exit(status)
}

// splitArgs takes the positional arguments left after flag parsing. The
// interface name must be the only one, optionally followed by "--" and
// arguments for the simulator.
func splitArgs(args []string) (string, []string, error) {
	switch {
	case len(args) == 0:
		return "", nil, errors.New("must pass one net interface name")
	case len(args) == 1:
		return args[0], nil, nil
	case args[1] == "--":
		return args[0], args[2:], nil
	default:
		return "", nil, fmt.Errorf("expected exactly one net interface name, got %q", args)
	}
}

func startupDiagnostic(err error) string {
	var openErr *netutil.SocketOpenError
	var notFound *netutil.InterfaceNotFoundError
	var allocErr *shm.AllocationError
	switch {
	case errors.As(err, &openErr):
		return fmt.Sprintf("Error opening raw socket! Make sure this is launched with root privileges: %v", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("Error trying to find net device index: %v", err)
	case errors.As(err, &allocErr):
		return fmt.Sprintf("Buffer allocation failed: %v", err)
	default:
		return fmt.Sprintf("Bridge startup failed: %v", err)
	}
}

func openEngine(cfg config.Config, ifaceName string, logger *slog.Logger) (sim.Engine, func() error, error) {
	if cfg.Engine == config.EngineLoopback {
		mac, err := netutil.HardwareAddr(ifaceName)
		if err != nil {
			return nil, nil, fmt.Errorf("loopback engine: %w", err)
		}
		return sim.Loopback(mac, logger), func() error { return nil }, nil
	}

	lib, err := sim.OpenLibrary(cfg.Engine, logger)
	if err != nil {
		return nil, nil, err
	}
	return lib, lib.Close, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printStats(st bridge.Stats, status int) {
	color := colorGreen
	if status != 0 || st.SendErrors > 0 || st.ReceiveErrors > 0 {
		color = colorYellow
	}
	fmt.Printf("%s\n", paint(colorBold, "=== Bridge statistics ==="))
	fmt.Printf("  TX: %d frames, %d bytes, %d errors\n", st.FramesSent, st.BytesSent, st.SendErrors)
	fmt.Printf("  RX: %d frames, %d bytes, %d errors\n", st.FramesReceived, st.BytesReceived, st.ReceiveErrors)
	fmt.Printf("  %s\n", paint(color, fmt.Sprintf("simulation exit status %d", status)))
}
