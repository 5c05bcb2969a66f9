package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/kalambet/profiles/internal/profile"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printProfileTable writes one line per profile: agent, nickname, and the
// number of extra fields.
func printProfileTable(w io.Writer, profiles []profile.AgentProfile) {
	if len(profiles) == 0 {
		fmt.Fprintln(w, "no profiles")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, colorize(colorBold, "AGENT")+"\t"+colorize(colorBold, "NICKNAME")+"\t"+colorize(colorBold, "FIELDS"))
	for _, ap := range profiles {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", ap.AgentID, ap.Profile.Nickname, len(ap.Profile.Fields))
	}
	tw.Flush()
}

// printProfile writes a single profile with its fields sorted by name.
func printProfile(w io.Writer, ap profile.AgentProfile) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Agent:"), ap.AgentID)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Nickname:"), ap.Profile.Nickname)

	names := make([]string, 0, len(ap.Profile.Fields))
	for name := range ap.Profile.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %s\n", colorize(colorCyan, name), ap.Profile.Fields[name])
	}
}
