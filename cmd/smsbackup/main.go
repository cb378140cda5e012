// Command smsbackup backs up a local SMS store to an IMAP folder and
// restores from it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const usage = `usage: smsbackup [flags] <command>

commands:
  backup     upload records newer than the cursor
  restore    copy backed up messages missing from the local store
  watch      back up automatically when new records appear
  status     show the cursor, pending records and recent runs
  configure  edit the account settings
  export     write all records to an mbox file

flags:
`

type options struct {
	configPath  string
	dbPath      string
	verbose     int
	tui         bool
	metricsAddr string
	mboxPath    string
	noVerify    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args and executes one command. It returns the process exit
// code: 0 on success, 1 on failure, 2 on bad usage.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var opts options

	fs := pflag.NewFlagSet("smsbackup", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configPath, "config", "", "configuration file (default ~/.config/smsbackup/config.yaml)")
	fs.StringVar(&opts.dbPath, "db", "", "record database (default from configuration)")
	fs.CountVarP(&opts.verbose, "verbose", "v", "more logging; repeat for protocol traces")
	fs.BoolVar(&opts.tui, "tui", false, "show a live progress view (backup, restore)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (watch)")
	fs.StringVar(&opts.mboxPath, "mbox", "", "output file (export)")
	fs.BoolVar(&opts.noVerify, "no-verify", false, "save without testing the login (configure)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	cmd := fs.Arg(0)
	commands := map[string]func(context.Context, *app) error{
		"backup":    cmdBackup,
		"restore":   cmdRestore,
		"watch":     cmdWatch,
		"status":    cmdStatus,
		"configure": cmdConfigure,
		"export":    cmdExport,
	}
	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	logOut := stderr
	var logFile *os.File
	if opts.tui || cmd == "configure" {
		// Keep the terminal for the UI.
		f, err := openLogFile()
		if err != nil {
			fmt.Fprintf(stderr, "smsbackup: %v\n", err)
			return 1
		}
		logFile = f
		logOut = f
	}
	if logFile != nil {
		defer logFile.Close()
	}

	log := newLogger(logOut, opts.verbose)

	a, err := newApp(opts, log, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "smsbackup: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		fmt.Fprintf(stderr, "smsbackup %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

// newLogger returns a console logger. verbose 0 logs info and above, 1
// adds debug, 2 or more adds IMAP protocol traces.
func newLogger(w io.Writer, verbose int) zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case verbose >= 2:
		level = zerolog.TraceLevel
	case verbose == 1:
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func openLogFile() (*os.File, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "smsbackup")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, "smsbackup.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
