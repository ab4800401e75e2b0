package main

import (
	"encoding/json"
	"io"
	"os"

	"golang.org/x/term"
)

// jsonOutput reports whether results go out as JSON: when asked for, or
// when out is not a terminal.
func (a *app) jsonOutput(out io.Writer) bool {
	if a.v.GetBool("json") {
		return true
	}
	f, ok := out.(*os.File)
	return !ok || !term.IsTerminal(int(f.Fd()))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
