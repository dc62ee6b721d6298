package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// StartLine and EndLine are the sentinel lines delimiting a response payload on stdout.
	StartLine = "<s>"
	EndLine   = "<e>"
)

// QuietArgs is the fixed invocation mode for the R executable: no prompts,
// no saved workspace, no site/user profiles, minimal echo.
var QuietArgs = []string{"--vanilla", "--quiet", "--slave"}

// EscapeString escapes s for embedding in a single-quoted R string literal.
// Backslashes and quotes in the input must never terminate the literal early,
// otherwise attacker- or data-controlled text becomes R code.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}

// EncodeLibrary returns the statement that loads one R library.
func EncodeLibrary(lib string) string {
	return fmt.Sprintf("library('%s')", EscapeString(lib))
}

// EncodeCall returns the statements that invoke function on the given input
// values and print the sentinel-framed result to stdout. The statements must
// be sent in order, in a single flush, with nothing interleaved.
func EncodeCall(function string, input []interface{}) ([]string, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding input values: %w", err)
	}
	return []string{
		fmt.Sprintf("input <- fromJSON('%s')", EscapeString(string(b))),
		fmt.Sprintf("output <- %s(input)", function),
		fmt.Sprintf("write('%s', stdout())", StartLine),
		"toJSON(output)",
		fmt.Sprintf("write('%s', stdout())", EndLine),
	}, nil
}
