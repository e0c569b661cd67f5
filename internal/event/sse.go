package event

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// DoneSentinel is the literal data line terminating a graceful stream.
const DoneSentinel = "[DONE]"

// FormatSSE renders an event as a single Server-Sent-Events frame:
// "data: <json>\n\n".
func FormatSSE(e *Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, eris.Wrap(err, "event: encode sse frame")
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// ParseSSE decodes one SSE data line back into an event. The "data: "
// prefix is optional. Malformed frames and the [DONE] sentinel yield a
// nil event; callers treat nil as "no event this tick", not an error.
func ParseSSE(line string) *Event {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "data:")
	line = strings.TrimSpace(line)
	if line == "" || line == DoneSentinel {
		return nil
	}
	var evt Event
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return nil
	}
	if evt.Type == "" {
		return nil
	}
	return &evt
}

// IsDone reports whether an SSE data line is the stream terminator.
func IsDone(line string) bool {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "data:"))
	return line == DoneSentinel
}
