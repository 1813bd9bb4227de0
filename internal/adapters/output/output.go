package output

import "github.com/pterm/pterm"

// Printer renders command results.
type Printer interface {
	Print(v any) error
}

// DisableColor turns off colored human output.
func DisableColor() {
	pterm.DisableColor()
}
