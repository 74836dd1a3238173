/*
x86emu - Configuration file parser

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

// Package config reads a line-oriented text file describing how to
// set up a run: how much memory to back, where to load the guest
// image, where its stack lives, which addresses are traps, and where
// to log.
//
// Grammar:
//
//	<line>    := '#' <comment> |
//	             'memsize' <hexnumber> |
//	             'entry' <hexnumber> |
//	             'image' <path> <hexnumber> |
//	             'stacktop' <hexnumber> |
//	             'stacksize' <hexnumber> |
//	             'trap' <hexnumber> <string> |
//	             'log' <path>
//	<hexnumber> ::= ['0x'] *<hexdigit>
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Trap names one configured trap address and the stub name to
// install there (resolved against trap.StandardStubs by the caller).
type Trap struct {
	Address uint64
	Name    string
}

// File is a fully parsed configuration.
type File struct {
	MemSize   uint64
	Entry     uint64
	HasEntry  bool
	Image     string
	ImageBase uint64
	StackTop  uint64
	StackSize uint64
	LogFile   string
	Traps     []Trap
}

// Default values used when a directive is absent.
const (
	DefaultMemSize   = 16 * 1024 * 1024
	DefaultStackTop  = 0x0010_0000
	DefaultStackSize = 0x1_0000
)

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a configuration from r.
func Parse(r io.Reader) (*File, error) {
	cfg := &File{
		MemSize:   DefaultMemSize,
		StackTop:  DefaultStackTop,
		StackSize: DefaultStackSize,
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := parseLine(cfg, scanner.Text()); err != nil {
			return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func parseLine(cfg *File, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	fields := strings.Fields(line)
	directive := strings.ToLower(fields[0])
	args := fields[1:]

	switch directive {
	case "memsize":
		if len(args) != 1 {
			return fmt.Errorf("memsize requires one argument")
		}
		v, err := parseHex(args[0])
		if err != nil {
			return err
		}
		cfg.MemSize = v

	case "entry":
		if len(args) != 1 {
			return fmt.Errorf("entry requires one argument")
		}
		v, err := parseHex(args[0])
		if err != nil {
			return err
		}
		cfg.Entry = v
		cfg.HasEntry = true

	case "image":
		if len(args) != 2 {
			return fmt.Errorf("image requires a path and a base address")
		}
		base, err := parseHex(args[1])
		if err != nil {
			return err
		}
		cfg.Image = args[0]
		cfg.ImageBase = base

	case "stacktop":
		if len(args) != 1 {
			return fmt.Errorf("stacktop requires one argument")
		}
		v, err := parseHex(args[0])
		if err != nil {
			return err
		}
		cfg.StackTop = v

	case "stacksize":
		if len(args) != 1 {
			return fmt.Errorf("stacksize requires one argument")
		}
		v, err := parseHex(args[0])
		if err != nil {
			return err
		}
		cfg.StackSize = v

	case "trap":
		if len(args) != 2 {
			return fmt.Errorf("trap requires an address and a stub name")
		}
		addr, err := parseHex(args[0])
		if err != nil {
			return err
		}
		cfg.Traps = append(cfg.Traps, Trap{Address: addr, Name: args[1]})

	case "log":
		if len(args) != 1 {
			return fmt.Errorf("log requires one argument")
		}
		cfg.LogFile = args[0]

	default:
		return fmt.Errorf("unknown directive %q", fields[0])
	}
	return nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return v, nil
}
