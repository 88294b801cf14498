// Command shmshrink maps a file, scans it from many readers and shrinks it
// underneath them.
//
// Usage:
//
//	shmshrink prepare [--pages N] [--page-size B] [--force] FILE
//	shmshrink run [flags] FILE
//
// run protects every scan with a quiescence barrier unless --unsynchronized
// is given, in which case the readers usually fault and the process exits
// with status 128+SIGBUS.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/srediag/shm-shrink/pkg/health"
	"github.com/srediag/shm-shrink/pkg/shm"
	"github.com/srediag/shm-shrink/shrinker"
)

const (
	exitUsage         = 2
	defaultPrepPages  = 256
	shutdownTimeout   = 2 * time.Second
	debugReadTimeout  = 5 * time.Second
	metricsNamespace  = "shmshrink"
	defaultLogLevel   = "info"
	envConfigFilePath = "SHMSHRINK_CONFIG"
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage() string {
	return `usage:
  shmshrink prepare [--pages N] [--page-size B] [--force] FILE
  shmshrink run [flags] FILE

Run "shmshrink <command> --help" for the flags of a command.`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return exitUsage
	}

	var err error
	switch args[0] {
	case "prepare":
		err = cmdPrepare(ctx, args[1:], stdout, stderr)
	case "run":
		err = cmdRun(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return 1
}

func cmdPrepare(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("prepare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pages := fs.Int("pages", defaultPrepPages, "Number of pages to write")
	pageSize := fs.Int("page-size", 0, "Page size in bytes (0 = OS page size)")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: prepare takes exactly one FILE", errUsage)
	}

	size, err := shrinker.PrepareFile(ctx, shrinker.PrepareOptions{
		Path:      fs.Arg(0),
		Pages:     *pages,
		PageSize:  *pageSize,
		Overwrite: *force,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d bytes to %s\n", size, fs.Arg(0))
	return nil
}

type runFlags struct {
	fs         *flag.FlagSet
	configPath string
	logLevel   string
	debugAddr  string
	private    bool
	cfg        *shrinker.Config
}

func newRunFlags(stderr io.Writer) *runFlags {
	f := &runFlags{
		fs:  flag.NewFlagSet("run", flag.ContinueOnError),
		cfg: shrinker.DefaultConfig(),
	}
	fs := f.fs
	fs.SetOutput(stderr)
	fs.StringVarP(&f.configPath, "config", "c", os.Getenv(envConfigFilePath), "JSONC config file (flags override it)")
	fs.StringVar(&f.logLevel, "log-level", defaultLogLevel, "Log level: trace|debug|info|warn|error|none")
	fs.StringVar(&f.debugAddr, "debug-addr", "", "Serve /metrics, /live and /ready on this address")
	fs.BoolVar(&f.private, "private", false, "Map the file copy-on-write")

	fs.IntP("threads", "t", f.cfg.ThreadCount, "Number of reader workers")
	fs.IntP("iterations", "n", f.cfg.IterationBudget, "Scans per reader")
	fs.Int("floor", f.cfg.ShrinkFloor, "Length in bytes at which shrinking stops")
	fs.Int("step", f.cfg.ShrinkStep, "Bytes removed per cycle (0 = jump to the floor)")
	fs.Duration("settle", time.Duration(f.cfg.SettleDelay), "Delay before the first shrink")
	fs.Duration("interval", time.Duration(f.cfg.ShrinkInterval), "Delay between shrink cycles")
	fs.Duration("sync-timeout", time.Duration(f.cfg.SyncTimeout), "Longest grace period before giving up (0 = forever)")
	fs.Int("page-size", f.cfg.PageSize, "Sampling page size (0 = OS page size)")
	fs.Int("progress-every", f.cfg.ProgressEvery, "Print progress every N iterations (0 = never)")
	fs.Int("sample-buffer", f.cfg.SampleBuffer, "Capacity of the sample ring")
	fs.Bool("unsynchronized", f.cfg.Unsynchronized, "Skip the barrier and reproduce the fault")
	return f
}

// config layers explicitly set flags over the config file over the defaults.
func (f *runFlags) config() (*shrinker.Config, error) {
	cfg := f.cfg
	if f.configPath != "" {
		loaded, err := shrinker.LoadConfigFile(f.configPath, cfg)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	fs := f.fs
	if fs.Changed("threads") {
		cfg.ThreadCount, _ = fs.GetInt("threads")
	}
	if fs.Changed("iterations") {
		cfg.IterationBudget, _ = fs.GetInt("iterations")
	}
	if fs.Changed("floor") {
		cfg.ShrinkFloor, _ = fs.GetInt("floor")
	}
	if fs.Changed("step") {
		cfg.ShrinkStep, _ = fs.GetInt("step")
	}
	if fs.Changed("settle") {
		d, _ := fs.GetDuration("settle")
		cfg.SettleDelay = shrinker.Duration(d)
	}
	if fs.Changed("interval") {
		d, _ := fs.GetDuration("interval")
		cfg.ShrinkInterval = shrinker.Duration(d)
	}
	if fs.Changed("sync-timeout") {
		d, _ := fs.GetDuration("sync-timeout")
		cfg.SyncTimeout = shrinker.Duration(d)
	}
	if fs.Changed("page-size") {
		cfg.PageSize, _ = fs.GetInt("page-size")
	}
	if fs.Changed("progress-every") {
		cfg.ProgressEvery, _ = fs.GetInt("progress-every")
	}
	if fs.Changed("sample-buffer") {
		cfg.SampleBuffer, _ = fs.GetInt("sample-buffer")
	}
	if fs.Changed("unsynchronized") {
		cfg.Unsynchronized, _ = fs.GetBool("unsynchronized")
	}
	if err := shrinker.VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cmdRun(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newRunFlags(stderr)
	if err := f.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if f.fs.NArg() != 1 {
		return fmt.Errorf("%w: run takes exactly one FILE", errUsage)
	}
	lvl, err := shrinker.ParseLogLevel(f.logLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	shrinker.SetLogLevel(lvl)
	shrinker.SetLogOutput(stderr)

	cfg, err := f.config()
	if err != nil {
		return err
	}

	region, err := shm.Open(ctx, shm.OpenOptions{
		Path:     f.fs.Arg(0),
		PageSize: cfg.PageSize,
		Private:  f.private,
	})
	if err != nil {
		return err
	}
	defer func() { _ = region.Close() }()

	metrics := shrinker.NewMetrics()
	runner, err := shrinker.NewRunner(cfg, region,
		shrinker.WithSampleOutput(stdout),
		shrinker.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	if f.debugAddr != "" {
		stopDebug, err := serveDebug(f.debugAddr, runner, region, metrics, stderr)
		if err != nil {
			return err
		}
		defer stopDebug()
	}

	summary, err := runner.Run(ctx)
	if summary != nil {
		printSummary(stdout, summary)
	}
	return err
}

func serveDebug(addr string, runner *shrinker.Runner, region *shm.Region, metrics *shrinker.Metrics, stderr io.Writer) (func(), error) {
	opts := health.Options{
		Region:     region,
		Registerer: metrics.Registry(),
		Namespace:  metricsNamespace,
	}
	if b := runner.Barrier(); b != nil {
		opts.Barrier = b
	}
	checks := health.NewHandler(opts)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/live", checks.LiveEndpoint)
	mux.HandleFunc("/ready", checks.ReadyEndpoint)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug listener: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: debugReadTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "debug server: %v\n", err)
		}
	}()
	fmt.Fprintf(stderr, "debug endpoint on http://%s\n", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printSummary(w io.Writer, s *shrinker.Summary) {
	fmt.Fprintf(w, "mode: %s\n", s.Mode)
	for _, r := range s.Readers {
		fmt.Fprintf(w, "reader %d: %d iterations, %d words\n", r.Worker, r.Iterations, r.Touched)
	}
	fmt.Fprintf(w, "shrink cycles: %d (errors %d, grace periods %s)\n", s.Cycles, s.ShrinkErrors, s.SyncWait)
	fmt.Fprintf(w, "final length: %d\n", s.FinalLength)
	if s.SamplesDropped > 0 {
		fmt.Fprintf(w, "samples dropped: %d\n", s.SamplesDropped)
	}
	if len(s.Faults) > 0 {
		fmt.Fprintf(w, "faults: %d\n", len(s.Faults))
	}
	fmt.Fprintf(w, "Elapsed time: %.6f s\n", s.Elapsed.Seconds())
}
