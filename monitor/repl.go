/*
x86emu - Interactive monitor console.

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

package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/peterh/liner"
)

// completions returns the command names in cmdList that begin with
// the token the operator is currently typing.
func completions(line string) []string {
	var out []string
	for _, c := range cmdList {
		if strings.HasPrefix(c.Name, line) {
			out = append(out, c.Name)
		}
	}
	return out
}

// Console runs an interactive line-editing loop over m until the
// operator quits or aborts with Ctrl-C.
func Console(m *Monitor) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(completions)

	for {
		input, err := line.Prompt("x86emu> ")
		if err == nil {
			line.AppendHistory(input)
			output, quit, err := Dispatch(m, input)
			if err != nil {
				fmt.Println("error: " + err.Error())
			} else if output != "" {
				fmt.Println(output)
			}
			if quit {
				return
			}
			continue
		}

		if errors.Is(err, liner.ErrPromptAborted) {
			return
		}
		slog.Error("error reading line: " + err.Error())
		return
	}
}
