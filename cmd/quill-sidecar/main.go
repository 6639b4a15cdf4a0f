// Package main provides the quill-sidecar entrypoint.
//
// Usage:
//
//	quill-sidecar serve --dir <path> [options]
//
// The process speaks the quill wire protocol on stdin/stdout and emits
// structured diagnostics on stderr. It is normally spawned by the
// producer library, not run by hand.
//
// Exit codes:
//   - 0: clean shutdown (SHUTDOWN accepted or producer hung up)
//   - 1: fatal serve error
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/quill/diag"
	"github.com/justapithecus/quill/metrics"
	"github.com/justapithecus/quill/sidecar"
)

const (
	exitSuccess = 0
	exitFatal   = 1
)

var version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "quill-sidecar",
		Usage:   "Quill persistence sidecar - batches log lines to rotating daily files",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
		},
		ExitErrHandler: exitErrHandler,
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit; this branch is only
		// reached if it declined to.
		os.Exit(exitFatal)
	}
}

// exitErrHandler handles errors from the CLI, respecting cli.ExitCoder.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitFatal)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the wire protocol on stdin/stdout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Usage:   "Directory for log files",
				EnvVars: []string{"QUILL_DIR"},
			},
			&cli.IntFlag{
				Name:  "flush-bytes",
				Usage: "Buffered bytes that trigger a flush",
			},
			&cli.IntFlag{
				Name:  "flush-lines",
				Usage: "Buffered lines that trigger a flush",
			},
			&cli.DurationFlag{
				Name:  "flush-interval",
				Usage: "Idle delay before a partial buffer is flushed",
			},
			&cli.Int64Flag{
				Name:  "rotate-bytes",
				Usage: "File size that triggers rotation",
			},
			&cli.BoolFlag{
				Name:  "compress",
				Usage: "Gzip rotated-out files",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	dir := c.String("dir")
	if dir == "" {
		return cli.Exit("--dir is required (or set QUILL_DIR)", exitFatal)
	}

	cfg := sidecar.Config{
		Dir:           dir,
		FlushBytes:    c.Int("flush-bytes"),
		FlushLines:    c.Int("flush-lines"),
		FlushInterval: c.Duration("flush-interval"),
		RotateBytes:   c.Int64("rotate-bytes"),
		Compress:      c.Bool("compress"),
	}

	instanceID := uuid.NewString()
	logger := diag.NewLogger("sidecar", instanceID)
	stats := metrics.NewCollector("sidecar", instanceID)

	srv, err := sidecar.NewServer(cfg, logger, stats)
	if err != nil {
		return cli.Exit(fmt.Sprintf("sidecar init failed: %v", err), exitFatal)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGTERM behaves like a producer hangup: flush and exit cleanly.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("signal received", map[string]any{"signal": sig.String()})
		cancel()
	}()

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return cli.Exit(fmt.Sprintf("serve failed: %v", err), exitFatal)
	}
	return nil
}
