package tmux

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Exit markers let the output poller detect shell command completion and
// capture the exit code. The hash is unique per command so nested shell
// composition stays parseable.

const markerPrefix = "__EXIT__"

var markerRe = regexp.MustCompile(`__EXIT__([0-9a-f]{12})__([0-9]+)__`)

// NewMarkerHash returns a fresh 12-hex-char marker hash.
func NewMarkerHash() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// MarkerCommand returns the shell suffix that prints the marker: the shell
// expands $? into the exit code of the preceding command.
func MarkerCommand(hash string) string {
	return fmt.Sprintf(`echo "%s%s__$?__"`, markerPrefix, hash)
}

// FindMarker scans text for the marker with the given hash. It skips the
// echoed command itself (which still contains the literal $?) and matches
// only the expanded form. Returns the exit code and true when found.
func FindMarker(text, hash string) (exitCode int, found bool) {
	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		if m[1] != hash {
			continue
		}
		code, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		return code, true
	}
	return 0, false
}

// StripMarkers removes every marker occurrence for the given hash from text:
// both the expanded form and the echoed command line that still carries the
// literal $?.
func StripMarkers(text, hash string) string {
	// Echoed command (single line, literal $?)
	echoed := MarkerCommand(hash)
	text = strings.ReplaceAll(text, "; "+echoed, "")
	text = strings.ReplaceAll(text, echoed, "")
	// Unquoted echo as it appears when the shell renders the input line
	text = strings.ReplaceAll(text, fmt.Sprintf(`%s%s__$?__`, markerPrefix, hash), "")

	// Expanded marker
	expanded := regexp.MustCompile(regexp.QuoteMeta(markerPrefix) + regexp.QuoteMeta(hash) + `__[0-9]+__`)
	text = expanded.ReplaceAllString(text, "")
	return text
}

// ContainsAnyMarker reports whether text contains any expanded exit marker,
// regardless of hash.
func ContainsAnyMarker(text string) bool {
	return markerRe.MatchString(text)
}
