/*
x86emu - Remote monitor server.

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

// Package remote serves the monitor command grammar over a plain TCP
// line protocol: one command per line in, one response per line out.
// It is not a telnet server - no option negotiation, just newline
// framing - since the only client this was built for is a developer's
// netcat or a test harness.
package remote

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rcornwell/x86emu/monitor"
)

// Server accepts connections on one TCP port and serves the monitor
// grammar to each, sequentially per connection.
type Server struct {
	wg       sync.WaitGroup
	listener net.Listener
	shutdown chan struct{}
	monitor  *monitor.Monitor
}

// Start opens a listener on address (e.g. ":4970") and begins serving
// m's command grammar to every connection it accepts.
func Start(address string, m *monitor.Monitor) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to listen on %s: %w", address, err)
	}

	s := &Server{
		listener: listener,
		shutdown: make(chan struct{}),
		monitor:  m,
	}

	slog.Info("remote monitor listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Stop closes the listener and waits up to one second for in-flight
// connections to finish.
func (s *Server) Stop() {
	close(s.shutdown)
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		slog.Warn("remote monitor timed out waiting for connections to close")
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	fmt.Fprintln(conn, "x86emu remote monitor")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		output, quit, err := monitor.Dispatch(s.monitor, scanner.Text())
		if err != nil {
			fmt.Fprintln(conn, "error: "+err.Error())
		} else if output != "" {
			fmt.Fprintln(conn, output)
		}
		if quit {
			return
		}
	}
}
