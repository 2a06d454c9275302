package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"netspeed/internal/app"
	"netspeed/internal/cli"
	"netspeed/internal/config"
	"netspeed/internal/schedule"
	"netspeed/pkg/speedtest"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK        = 0
	exitError     = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run", "servers", "schedule":
	case "check":
		return runCheck(args, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "netspeed", version)
		return exitOK
	case "help":
		usage(stderr)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return exitUsage
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	format, err := cli.ParseFormat(f.format)
	if err != nil {
		fmt.Fprintln(stderr, "netspeed:", err)
		return exitUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, f.config, f.override(fs))
	if err != nil {
		fmt.Fprintln(stderr, "netspeed:", err)
		return exitError
	}
	defer a.Close()

	switch cmd {
	case "servers":
		err = a.Servers(ctx, stdout)
	case "schedule":
		err = a.Schedule(ctx)
	default:
		r := &cli.Renderer{Out: stdout, Format: format}
		if !f.quiet {
			r.Progress = stderr
		}
		_, err = a.RunOnce(ctx, r)
	}
	return exitCode(err, stderr)
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, speedtest.ErrCancelled), errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "netspeed: cancelled")
		return exitCancelled
	default:
		fmt.Fprintln(stderr, "netspeed:", err)
		return exitError
	}
}

// runCheck validates a config file without running anything.
func runCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "config file to validate (JSON or YAML)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *path == "" && fs.NArg() > 0 {
		*path = fs.Arg(0)
	}
	if *path == "" {
		fmt.Fprintln(stderr, "netspeed check: -config is required")
		return exitUsage
	}

	m := config.NewConfigManager(*path)
	m.SetValidator(schedule.Validate)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg, err := m.Load(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "netspeed check:", err)
		return exitError
	}
	fmt.Fprintf(stdout, "%s: ok (source %s", *path, cfg.SourceKind())
	if cfg.Schedule != nil {
		spec, _ := schedule.ParseSchedule(cfg.Schedule.Spec)
		fmt.Fprintf(stdout, ", schedule %s", spec)
	}
	fmt.Fprintln(stdout, ")")
	return exitOK
}

type flags struct {
	config      string
	format      string
	quiet       bool
	servers     int
	selectN     int
	samples     int
	concurrency int
	duration    time.Duration
	warmup      time.Duration
	noDownload  bool
	noUpload    bool
	serverIDs   string
	excludeIDs  string
	source      string
	earlyStop   bool
	logLevel    string
}

func registerFlags(fs *flag.FlagSet) *flags {
	f := &flags{}
	fs.StringVar(&f.config, "config", "", "config file (JSON or YAML)")
	fs.StringVar(&f.format, "format", cli.FormatText, "report format: text or json")
	fs.BoolVar(&f.quiet, "quiet", false, "do not print progress")
	fs.IntVar(&f.servers, "servers", 0, "number of closest servers to probe")
	fs.IntVar(&f.selectN, "select", 0, "number of servers kept for fallback")
	fs.IntVar(&f.samples, "samples", 0, "latency samples per server")
	fs.IntVar(&f.concurrency, "concurrency", 0, "parallel transfer streams")
	fs.DurationVar(&f.duration, "duration", 0, "length of each throughput session")
	fs.DurationVar(&f.warmup, "warmup", 0, "warm-up excluded from throughput")
	fs.BoolVar(&f.noDownload, "no-download", false, "skip the download measurement")
	fs.BoolVar(&f.noUpload, "no-upload", false, "skip the upload measurement")
	fs.StringVar(&f.serverIDs, "server-id", "", "comma-separated server ids to use")
	fs.StringVar(&f.excludeIDs, "exclude-id", "", "comma-separated server ids to skip")
	fs.StringVar(&f.source, "source", "", "server catalog: http, ookla or static")
	fs.BoolVar(&f.earlyStop, "early-stop", false, "stop a session once the rate is stable")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	return f
}

// override applies only the flags set on the command line.
func (f *flags) override(fs *flag.FlagSet) app.Override {
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	return func(cfg *config.Config) {
		st := &cfg.Speedtest
		if set["servers"] {
			st.ServerCount = f.servers
		}
		if set["select"] {
			st.SelectCount = f.selectN
		}
		if set["samples"] {
			st.SampleCount = f.samples
		}
		if set["concurrency"] {
			st.Concurrency = f.concurrency
		}
		if set["duration"] {
			st.Duration = f.duration.String()
		}
		if set["warmup"] {
			st.WarmUp = f.warmup.String()
		}
		if set["no-download"] {
			st.SkipDownload = f.noDownload
		}
		if set["no-upload"] {
			st.SkipUpload = f.noUpload
		}
		if set["server-id"] {
			st.ServerIDs = splitList(f.serverIDs)
		}
		if set["exclude-id"] {
			st.ExcludeIDs = splitList(f.excludeIDs)
		}
		if set["early-stop"] {
			es := config.EarlyStopConfig{}
			if st.EarlyStop != nil {
				es = *st.EarlyStop
			}
			es.Enabled = f.earlyStop
			st.EarlyStop = &es
		}
		if set["source"] {
			cfg.Source.Kind = f.source
		}
		if set["log-level"] {
			cfg.Logging.Level = f.logLevel
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: netspeed [command] [flags]

commands:
  run        measure latency, download and upload (default)
  servers    list the closest catalog servers
  schedule   run measurements on the schedule from -config
  check      validate a config file
  version    print the version

run "netspeed <command> -h" for the flags of a command.
`)
}
