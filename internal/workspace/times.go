package workspace

import (
	"time"

	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// FormatTime renders a timestamp for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a stored timestamp. Unparseable values fall back to the
// UNIX epoch with a warning; readers never panic on dirty rows.
func ParseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	logging.WorkspaceWarn("unparseable timestamp %q, falling back to epoch", s)
	return time.Unix(0, 0).UTC()
}
