// Package console formats the startup banners cmd/* binaries print before
// wiring the logger.
package console

import (
	"fmt"
	"strings"
)

const defaultLineSize = 80

// Line returns a single line of dashes.
func Line(size int) string { return strings.Repeat("-", size) }

// DoubleLine returns a line of equals signs.
func DoubleLine(size int) string { return strings.Repeat("=", size) }

// Title returns a centered title framed in double lines.
func Title(title string) string {
	title = fmt.Sprintf(" %s ", title)
	start := (defaultLineSize / 2) - (len(title) / 2)
	delta := len(title) % 2

	return fmt.Sprintf("%s%s%s", DoubleLine(start), title, DoubleLine(start+delta))
}
