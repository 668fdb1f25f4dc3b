package agent

import "regexp"

var (
	completeMarkerRe = regexp.MustCompile(`===\s*TICKET\s+(\S+)\s+COMPLETE\s*===`)
	blockedMarkerRe  = regexp.MustCompile(`===\s*TICKET\s+(\S+)\s+BLOCKED:\s*(.*?)\s*===`)
	toolCallRe       = regexp.MustCompile(`(?i)using\s+\S+\s+tool|<invoke\s+name="`)
)

// countToolCalls counts recognized tool-call frames in buffer, driving the
// progress heuristic.
func countToolCalls(buffer string) int {
	return len(toolCallRe.FindAllStringIndex(buffer, -1))
}

// progressFromToolCalls is the monotonic heuristic from §4.6: 10 points
// per recognized tool-call frame, capped at 100.
func progressFromToolCalls(count int) int {
	p := count * 10
	if p > 100 {
		p = 100
	}
	return p
}

// findCompletionMarker reports the ticket id framed by a COMPLETE marker
// in buffer, if any.
func findCompletionMarker(buffer string) (ticketID string, ok bool) {
	m := completeMarkerRe.FindStringSubmatch(buffer)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// findBlockedMarker reports the ticket id and reason framed by a BLOCKED
// marker in buffer, if any.
func findBlockedMarker(buffer string) (ticketID, reason string, ok bool) {
	m := blockedMarkerRe.FindStringSubmatch(buffer)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
