// Package main provides the quill operator CLI.
//
// The CLI inspects a quill log directory and exercises the pipeline; the
// actual logging path is the quill library plus the quill-sidecar binary.
//
// Usage:
//
//	quill <command> [options]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/quill"
	"github.com/justapithecus/quill/sidecar"
)

var version = "0.1.0"

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "quill",
		Usage:          "Quill log pipeline CLI",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			lsCommand(),
			demoCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

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
	os.Exit(1)
}

func dirFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "dir",
		Usage:    "Quill log directory",
		EnvVars:  []string{"QUILL_DIR"},
		Required: true,
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:   "ls",
		Usage:  "List log files and rotation history in a log directory",
		Flags:  []cli.Flag{dirFlag()},
		Action: lsAction,
	}
}

func lsAction(c *cli.Context) error {
	dir := c.String("dir")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot read %s: %v", dir, err), 1)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	fmt.Printf("%s\n\n", dir)
	if len(names) == 0 {
		fmt.Println("no log files")
	}
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			fmt.Printf("  %-32s ?\n", name)
			continue
		}
		fmt.Printf("  %-32s %10d bytes\n", name, info.Size())
	}

	manifest, err := sidecar.LoadManifest(dir)
	if err != nil {
		return cli.Exit(fmt.Sprintf("manifest: %v", err), 1)
	}
	if len(manifest.Entries) == 0 {
		return nil
	}

	fmt.Printf("\nrotations (%s):\n", sidecar.ManifestName)
	for _, e := range manifest.Entries {
		fmt.Printf("  %-32s %10d bytes %8d lines  rotated %s\n",
			e.File, e.Bytes, e.Lines, e.RotatedAt.Format(time.RFC3339))
	}
	return nil
}

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Spawn a sidecar, write sample lines, flush, and shut down",
		Flags: []cli.Flag{
			dirFlag(),
			&cli.StringFlag{
				Name:  "sidecar",
				Usage: "Path to the quill-sidecar binary",
				Value: quill.DefaultSidecarPath,
			},
			&cli.IntFlag{
				Name:  "lines",
				Usage: "Number of sample lines to write",
				Value: 10,
			},
		},
		Action: demoAction,
	}
}

func demoAction(c *cli.Context) error {
	lg, err := quill.New(
		quill.WithDir(c.String("dir")),
		quill.WithSidecarPath(c.String("sidecar")),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("start pipeline: %v", err), 1)
	}

	n := c.Int("lines")
	for i := 0; i < n; i++ {
		if err := lg.Info(fmt.Sprintf("demo line %d of %d", i+1, n)); err != nil {
			_ = lg.Close()
			return cli.Exit(fmt.Sprintf("log: %v", err), 1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lg.Flush(ctx); err != nil {
		_ = lg.Close()
		return cli.Exit(fmt.Sprintf("flush: %v", err), 1)
	}
	if err := lg.Close(); err != nil {
		return cli.Exit(fmt.Sprintf("close: %v", err), 1)
	}

	fmt.Printf("wrote %d lines to %s\n", n, c.String("dir"))
	return nil
}
