package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// keyDisplayLen truncates session keys for table output.
const keyDisplayLen = 8

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders session snapshots in the requested format.
func formatSessions(sessions []sessionInfo, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionsJSON(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSessionsTable(sessions []sessionInfo) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tUSER\tACTIVE\tREMOTE\tFRAMING")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			shortKey(s.Key),
			emptyDash(s.ID),
			s.Active,
			s.RemoteAddr,
			s.Framing,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionsJSON(sessions []sessionInfo) (string, error) {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sessions to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

// shortKey truncates a session key for display.
func shortKey(key string) string {
	if len(key) > keyDisplayLen {
		return key[:keyDisplayLen]
	}
	return key
}

// emptyDash substitutes a dash for unbound identifiers.
func emptyDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
