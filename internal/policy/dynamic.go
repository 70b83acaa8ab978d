package policy

import (
	"net/textproto"
	"strings"
)

// Signalling headers recognised when the dynamic switch is enabled.
const (
	modeHeader  = "X-Blackhole-Mode"
	delayHeader = "X-Blackhole-Delay"
)

// Overrides carries per-message mode/delay overrides scanned from the
// message header block. Nil fields mean "no override". Overrides never
// mutate listener configuration.
type Overrides struct {
	Mode  *Mode
	Delay *Delay
}

// ScanHeaders extracts recognised X-Blackhole-* overrides from a message
// header block. Unknown mode names and malformed or out-of-bounds delays
// are ignored. The function itself does not know about the dynamic switch;
// callers skip the scan when the switch is disabled. maxDelay and timeout are in seconds; timeout 0 means no idle timeout and
// lifts the delay-below-timeout constraint.
func ScanHeaders(header textproto.MIMEHeader, maxDelay, timeout int) Overrides {
	var o Overrides

	if v := strings.TrimSpace(header.Get(modeHeader)); v != "" {
		if m, err := ParseMode(v); err == nil {
			o.Mode = &m
		}
	}

	if v := strings.TrimSpace(header.Get(delayHeader)); v != "" {
		if d, err := ParseDelay(v); err == nil && delayAllowed(d, maxDelay, timeout) {
			o.Delay = &d
		}
	}

	return o
}

func delayAllowed(d Delay, maxDelay, timeout int) bool {
	if d.Hi > maxDelay {
		return false
	}
	if timeout > 0 && d.Hi >= timeout {
		return false
	}
	return true
}
