package media

import (
	"fmt"
	"strings"
)

// InspectionError marks a source file the analysis engine could not read or
// that carries no decodable video stream. This class is fatal for the asset:
// no retry recovers a corrupt source.
type InspectionError struct {
	Path   string
	Detail string
	Err    error
}

func (e *InspectionError) Error() string {
	msg := fmt.Sprintf("inspect %s: %v", e.Path, e.Err)
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		msg += ": " + detail
	}
	return msg
}

func (e *InspectionError) Unwrap() error { return e.Err }

// EncodeError marks a failed rendition encode. It is scoped to a single tier
// but the pipeline treats any tier failure as fatal for the run.
type EncodeError struct {
	Tier   string
	Detail string
	Err    error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("encode %s: %v", e.Tier, e.Err)
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		msg += ": " + detail
	}
	return msg
}

func (e *EncodeError) Unwrap() error { return e.Err }

// tail returns the last few lines of subprocess diagnostics so error messages
// stay readable.
func tail(output string, lines int) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return ""
	}
	split := strings.Split(trimmed, "\n")
	if len(split) <= lines {
		return trimmed
	}
	return strings.Join(split[len(split)-lines:], "\n")
}
