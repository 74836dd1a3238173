/*
x86emu - Main process.

Copyright 2024, Richard Cornwell

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	getopt "github.com/pborman/getopt/v2"

	"github.com/rcornwell/x86emu/config"
	"github.com/rcornwell/x86emu/exec"
	"github.com/rcornwell/x86emu/loader"
	"github.com/rcornwell/x86emu/monitor"
	"github.com/rcornwell/x86emu/remote"
	"github.com/rcornwell/x86emu/trap"
	"github.com/rcornwell/x86emu/util/logger"
)

var Logger *slog.Logger

func main() {
	optConfig := getopt.StringLong("config", 'c', "x86emu.cfg", "Configuration file")
	optImage := getopt.StringLong("image", 'i', "", "Flat binary image to load")
	optImageBase := getopt.StringLong("base", 'b', "0x100000", "Load address for -image")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optMonitor := getopt.BoolLong("monitor", 'm', "Drop into the interactive monitor instead of free-running")
	optRemote := getopt.StringLong("remote", 'r', "", "Serve the monitor grammar on this address, e.g. :4970")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var file *os.File
	if *optLogFile != "" {
		file, _ = os.Create(*optLogFile)
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	debug := false
	Logger = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, &debug))
	slog.SetDefault(Logger)

	Logger.Info("x86emu started")

	cfg := &config.File{
		MemSize:   config.DefaultMemSize,
		StackTop:  config.DefaultStackTop,
		StackSize: config.DefaultStackSize,
	}
	if _, err := os.Stat(*optConfig); err == nil {
		loaded, err := config.Load(*optConfig)
		if err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
		cfg = loaded
	} else {
		Logger.Info("no configuration file found, using defaults", "path", *optConfig)
	}

	if *optImage != "" {
		cfg.Image = *optImage
	}
	if cfg.Image == "" {
		Logger.Error("no image to load: pass -image or set 'image' in the config file")
		os.Exit(1)
	}

	loop := exec.New()
	loop.State.Memory.Allocate(0, cfg.MemSize)

	data, err := os.ReadFile(cfg.Image)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}

	base := cfg.ImageBase
	if base == 0 {
		base, err = parseBase(*optImageBase)
		if err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
	}
	img := loader.LoadFlat(data, base)
	if cfg.HasEntry {
		img.Entry = cfg.Entry
	}
	loader.Load(img, loop.State.Memory, loop.State, cfg.StackTop, cfg.StackSize)

	stubs := trap.StandardStubs()
	for _, t := range cfg.Traps {
		fn, ok := stubs[t.Name]
		if !ok {
			Logger.Error("unknown trap stub", "name", t.Name)
			os.Exit(1)
		}
		loop.Traps.Install(t.Address, fn)
	}

	var remoteServer *remote.Server
	if *optRemote != "" {
		remoteServer, err = remote.Start(*optRemote, monitor.New(loop))
		if err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *optMonitor {
		monitor.Console(monitor.New(loop))
	} else {
		results := loop.RunAsync()
		select {
		case result := <-results:
			fmt.Printf("stopped: %v at rip=%#x\n", result.Status, result.RIP)
		case <-sigChan:
			Logger.Info("got quit signal")
			loop.Stop()
		}
	}

	if remoteServer != nil {
		Logger.Info("shutting down remote monitor")
		remoteServer.Stop()
	}
	Logger.Info("x86emu shutting down")
}

func parseBase(s string) (uint64, error) {
	var base uint64
	_, err := fmt.Sscanf(s, "0x%x", &base)
	if err != nil {
		_, err = fmt.Sscanf(s, "%x", &base)
	}
	return base, err
}
