// Command volcache synthesizes grid files, samples them through the volume
// cache and drives the cache command.
//
//	volcache synth -o smoke.vxg --radius 48
//	volcache sample smoke.vxg --grid density -n 128 --repeat 2
//	volcache --limit-gb 0 sample smoke.vxg
//	volcache cache -q --limit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"

	"github.com/felixge/fgprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

type globals struct {
	configPath  string
	verbose     bool
	limitGB     int64
	voxelType   string
	filter      string
	workers     int
	pprofAddr   string
	metricsAddr string
	cpuProfile  string
	memProfile  string
	traceFile   string
	fgProfile   string
}

// env is what commands run against.
type env struct {
	cfg      Config
	logger   *slog.Logger
	registry *prometheus.Registry
	stdout   io.Writer
	stderr   io.Writer
}

// command is a subcommand. A nil flags passes arguments through unparsed.
type command struct {
	flags *flag.FlagSet
	usage string
	short string
	exec  func(ctx context.Context, e *env, args []string) error
}

func (c *command) name() string {
	name, _, _ := strings.Cut(c.usage, " ")
	return name
}

func commands() []*command {
	return []*command{synthCommand(), sampleCommand(), cacheCommand()}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

//nolint:gocognit,gocyclo // main dispatch complexity is acceptable for CLI tool
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globals
	fs := flag.NewFlagSet("volcache", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configPath, "config", "", "config file (JSON with comments)")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "log debug output")
	fs.Int64Var(&g.limitGB, "limit-gb", 0, "cache memory limit in gigabytes, 0 disables caching")
	fs.StringVar(&g.voxelType, "voxel-type", "", "voxel precision: half or float")
	fs.StringVar(&g.filter, "filter", "", "filter: auto, box or multires")
	fs.IntVar(&g.workers, "workers", 0, "sampling workers, 0 uses GOMAXPROCS")
	fs.StringVar(&g.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	fs.StringVar(&g.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	fs.StringVar(&g.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	fs.StringVar(&g.memProfile, "memprofile", "", "write heap profile to file")
	fs.StringVar(&g.traceFile, "trace", "", "write trace to file")
	fs.StringVar(&g.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() == 0 {
		printUsage(stderr, fs)
		return 1
	}

	var cmd *command
	for _, c := range commands() {
		if c.name() == fs.Arg(0) {
			cmd = c
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "error: unknown command %q\n\n", fs.Arg(0))
		printUsage(stderr, fs)
		return 1
	}

	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	var overrides Config
	if fs.Changed("limit-gb") {
		overrides.MemoryLimitGB = &g.limitGB
	}
	overrides.VoxelType = g.voxelType
	overrides.Filter = g.filter
	overrides.Workers = g.workers
	cfg, err := LoadConfig(wd, g.configPath, overrides)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	e := &env{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
	if g.metricsAddr != "" {
		e.registry = prometheus.NewRegistry()
		serve(logger, "metrics", g.metricsAddr, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	}
	if g.pprofAddr != "" {
		serve(logger, "pprof", g.pprofAddr, http.DefaultServeMux)
	}

	stopProfiles, err := startProfiles(g)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer stopProfiles()

	cmdArgs := fs.Args()[1:]
	if cmd.flags != nil {
		cmd.flags.SetOutput(&strings.Builder{})
		if err := cmd.flags.Parse(cmdArgs); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				printCommandHelp(stdout, cmd)
				return 0
			}
			fmt.Fprintln(stderr, "error:", err)
			printCommandHelp(stderr, cmd)
			return 1
		}
		cmdArgs = cmd.flags.Args()
	}
	if err := cmd.exec(ctx, e, cmdArgs); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	if g.memProfile != "" {
		if err := writeHeapProfile(g.memProfile); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 1
		}
	}
	return 0
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: volcache [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-34s %s\n", c.usage, c.short)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, fs.FlagUsages())
}

func printCommandHelp(w io.Writer, c *command) {
	fmt.Fprintln(w, "Usage: volcache", c.usage)
	fmt.Fprintln(w)
	fmt.Fprintln(w, c.short)
	if c.flags != nil && c.flags.HasFlags() {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Flags:")
		fmt.Fprint(w, c.flags.FlagUsages())
	}
}

func serve(logger *slog.Logger, what, addr string, h http.Handler) {
	go func() {
		logger.Info("listening", "server", what, "addr", addr)
		//nolint:gosec // intentional diagnostics server without timeouts
		if err := http.ListenAndServe(addr, h); err != nil {
			logger.Error("server stopped", "server", what, "error", err)
		}
	}()
}

// startProfiles starts the requested CPU, trace and wall clock profiles and
// returns a func that stops them.
func startProfiles(g globals) (func(), error) {
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if g.fgProfile != "" {
		fgFile, err := os.Create(g.fgProfile)
		if err != nil {
			return nil, err
		}
		stopFG := fgprof.Start(fgFile, fgprof.FormatPprof)
		stops = append(stops, func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		})
	}

	if g.cpuProfile != "" {
		cpuFile, err := os.Create(g.cpuProfile)
		if err != nil {
			stopAll()
			return nil, err
		}
		if err := pprof.StartCPUProfile(cpuFile); err != nil {
			_ = cpuFile.Close()
			stopAll()
			return nil, err
		}
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		})
	}

	if g.traceFile != "" {
		traceFile, err := os.Create(g.traceFile)
		if err != nil {
			stopAll()
			return nil, err
		}
		if err := trace.Start(traceFile); err != nil {
			_ = traceFile.Close()
			stopAll()
			return nil, err
		}
		stops = append(stops, func() {
			trace.Stop()
			_ = traceFile.Close()
		})
	}
	return stopAll, nil
}

func writeHeapProfile(path string) error {
	runtime.GC()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pprof.WriteHeapProfile(f)
}
