// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// writeJSON prints value as indented JSON, highlighted when stdout is
// a color terminal.
func writeJSON(stdout io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	data = append(data, '\n')
	if !colorTerminal(stdout) {
		_, err = stdout.Write(data)
		return err
	}
	return quick.Highlight(stdout, string(data), "json", "terminal256", "monokai")
}

func colorTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return false
	}
	return !termenv.EnvNoColor() && termenv.NewOutput(file).Profile != termenv.Ascii
}
