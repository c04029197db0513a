package diagnostics

import "fmt"

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

type Diagnostic struct {
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

const (
	CodeStarted     = "SHOW.STARTED"
	CodeSkipped     = "FRAME.SKIPPED"
	CodeFrameFailed = "FRAME.FAILED"
)

func Started(nodes, edges, pixels, universes int) Diagnostic {
	return Diagnostic{
		Severity: Info,
		Code:     CodeStarted,
		Summary:  fmt.Sprintf("model has %d nodes, %d edges and %d pixels", nodes, edges, pixels),
		Evidence: map[string]any{"nodes": nodes, "edges": edges, "pixels": pixels, "universes": universes},
	}
}

// Skipped reports frame indices strictly between from and to that were
// never produced.
func Skipped(from, to int64) Diagnostic {
	return Diagnostic{
		Severity: Warn,
		Code:     CodeSkipped,
		Summary:  fmt.Sprintf("skipped frames from %d to %d", from, to),
		LikelyCauses: []string{
			"a frame took longer than one period to build and send",
			"a send blocked until its timeout",
			"the host was suspended or heavily loaded",
		},
		SuggestedFixes: []string{
			"lower fps",
			"lower e131.send_timeout",
			"check the controller link",
		},
		Evidence: map[string]any{"from": from, "to": to, "missing": to - from - 1},
	}
}

func FrameFailed(index int64, err error) Diagnostic {
	return Diagnostic{
		Severity: Err,
		Code:     CodeFrameFailed,
		Summary:  "frame send aborted",
		Detail:   err.Error(),
		LikelyCauses: []string{
			"controller unreachable",
			"network interface down",
		},
		SuggestedFixes: []string{
			"verify e131.receiver and that the controller is powered",
		},
		Evidence: map[string]any{"frame": index},
	}
}
