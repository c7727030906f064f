package theme

import (
	"fmt"
	"io"
	"os"
)

const (
	cyan   = "\033[36m"
	yellow = "\033[33m"
	reset  = "\033[0m"
)

// Banner returns the CLI banner, colored when color is set.
func Banner(color bool) string {
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + reset
	}
	return "" +
		paint(cyan, "  ___   ___  _   _ ___ _  _\n") +
		paint(cyan, " |   \\ / _ \\| | | | __| \\| |\n") +
		paint(cyan, " | |) | (_) | |_| | _|| .` |\n") +
		paint(cyan, " |___/ \\___/ \\__, |___|_|\\_|\n") +
		paint(cyan, "             |___/\n") +
		paint(yellow, " ---------------------------\n") +
		" follower sync and outreach for X\n"
}

// PrintBanner writes the banner to stdout, colored only on a terminal.
func PrintBanner() {
	fprintBanner(os.Stdout)
}

func fprintBanner(w io.Writer) {
	color := false
	if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			color = os.Getenv("NO_COLOR") == ""
		}
	}
	fmt.Fprint(w, Banner(color))
}
