// Command-line interface to supertile pyramids.
// Provides essential commands: build, serve, info.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/microstitch/supertile/distributed"
	"github.com/microstitch/supertile/pyramid"
	"github.com/microstitch/supertile/storage"
	"github.com/microstitch/supertile/supertile"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to log file.  Leave unset to log to standard error.
	logfile = flag.String("logfile", "", "")

	// Side length in pixels of base pyramid tiles.
	tileSize = flag.Int("tilesize", pyramid.DefaultTileSize, "")

	// Tile storage backend for the build command.
	backendName = flag.String("backend", storage.DefaultBackend.String(), "")

	// Drop frames acquired while the stage was moving.
	skipMove = flag.Bool("skipmove", false, "")
)

const version = "1.0.0"

const helpMessage = `
supertile builds and serves multi-resolution tiled image pyramids

Usage: supertile [options] <command>

      -tilesize   =number   Side length in pixels of base pyramid tiles.
      -backend    =string   Tile storage backend: raw, blk, db, or bdg.
      -skipmove   (flag)    Drop frames acquired while the stage was moving.
      -logfile    =string   Path to log file.  Leave unset to log to stderr.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	build  <dataset path> <pyramid path>
	info   <pyramid path>
	serve  <config path>
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}

	if *runVerbose {
		supertile.Verbose = true
		supertile.SetLogMode(supertile.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *logfile != "" {
		c := supertile.LogConfig{Logfile: *logfile}
		c.SetLogger()
	}

	if err := DoCommand(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(args []string) error {
	switch args[0] {
	case "build":
		return DoBuild(args)
	case "info":
		return DoInfo(args)
	case "serve":
		return DoServe(args)
	case "about", "version":
		fmt.Printf("supertile %s\n", version)
	default:
		return fmt.Errorf("unknown command: %q", args[0])
	}
	return nil
}

// DoBuild performs the "build" command, assembling a pyramid from a stored
// acquisition dataset.
func DoBuild(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("build command must be followed by dataset and pyramid paths")
	}
	backend, err := storage.ParseBackend(*backendName)
	if err != nil {
		return err
	}
	opts := pyramid.BuildOptions{
		TileSize:       *tileSize,
		Backend:        backend,
		SkipMoveFrames: *skipMove,
	}
	p, err := pyramid.BuildFromDataset(args[1], args[2], opts)
	if err != nil {
		return err
	}
	defer p.Close()

	nx, ny := p.Extent()
	fmt.Printf("Built pyramid at %s: depth %d, %d x %d base tiles of %d px.\n",
		p.Dir(), p.Depth(), nx+1, ny+1, p.TileSize())
	return nil
}

// DoInfo performs the "info" command, printing the metadata of an
// existing pyramid.
func DoInfo(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("info command must be followed by the path to a pyramid")
	}
	p, err := pyramid.LoadExisting(args[1])
	if err != nil {
		return err
	}
	defer p.Close()

	md := p.Metadata()
	for _, key := range md.Keys() {
		fmt.Printf("%-24s %v\n", key, md[key])
	}
	return nil
}

// DoServe performs the "serve" command, running a tile-shipping worker
// until interrupted.
func DoServe(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("serve command must be followed by the path to a worker config")
	}
	config, err := distributed.LoadWorkerConfig(args[1])
	if err != nil {
		return err
	}
	worker, err := distributed.NewWorker(config)
	if err != nil {
		return err
	}

	// Capture ctrl+c and other interrupts, then handle graceful shutdown.
	stopSig := make(chan os.Signal, 1)
	go func() {
		for sig := range stopSig {
			supertile.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
			if err := worker.Shutdown(context.Background()); err != nil {
				supertile.Errorf("Error during worker shutdown: %v\n", err)
			}
			os.Exit(0)
		}
	}()
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)

	return worker.ListenAndServe()
}
