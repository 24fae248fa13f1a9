// Package prompter asks the user for confirmation on a terminal.
package prompter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wasmproxy/wasmproxy/domain/ports"
)

var _ ports.Prompter = (*CliPrompter)(nil)

// CliPrompter implements ports.Prompter for CLI environments.
type CliPrompter struct {
	in  *bufio.Reader
	raw io.Reader
	out io.Writer
}

// NewCliPrompter creates a new CliPrompter.
func NewCliPrompter(in io.Reader, out io.Writer) *CliPrompter {
	return &CliPrompter{in: bufio.NewReader(in), raw: in, out: out}
}

// IsInteractive checks if the input is a terminal.
func (p *CliPrompter) IsInteractive() bool {
	if f, ok := p.raw.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil {
			return false
		}
		return (stat.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

// Confirm prints question and reads one answer line.
func (p *CliPrompter) Confirm(question string) (bool, error) {
	_, _ = fmt.Fprintf(p.out, "%s [y/N]: ", question)

	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
