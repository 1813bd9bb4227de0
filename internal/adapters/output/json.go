package output

import (
	"encoding/json"
	"io"
	"os"
)

// JSONPrinter prints indented JSON, to stdout unless Out is set.
type JSONPrinter struct {
	Out io.Writer
}

// Print renders JSON output.
func (p JSONPrinter) Print(v any) error {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
