// Package phases implements the pipeline executors: discovery,
// scraping, extraction, enrichment, and generation. Each executor
// reads its predecessor's approved output from the session record and
// writes its own as JSON.
package phases

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/domain-intel/internal/session"
)

// ProgressFunc reports fine-grained progress within a phase. Wiring
// typically points it at the session's event stream.
type ProgressFunc func(sessionID, phase string, current, total int, message string)

// report is a nil-safe ProgressFunc call.
func report(fn ProgressFunc, sessionID, phase string, current, total int, message string) {
	if fn != nil {
		fn(sessionID, phase, current, total, message)
	}
}

// phaseOutput decodes the recorded output of an earlier phase.
func phaseOutput(sess *session.Session, phase string, out any) error {
	rec, ok := sess.Results[phase]
	if !ok || len(rec.Data) == 0 {
		return eris.Errorf("phases: no recorded output for %s", phase)
	}
	if err := json.Unmarshal(rec.Data, out); err != nil {
		return eris.Wrapf(err, "phases: decode %s output", phase)
	}
	return nil
}
