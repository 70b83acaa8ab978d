// Package policy decides what an SMTP sink answers once a message has been
// fully received: accept it, bounce it with one of a fixed set of codes, or
// flip a coin. It also implements the per-message header overrides.
package policy

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode controls how the sink responds after end-of-data. The *_delay
// variants behave like their base mode but force a response delay even when
// none is configured on the listener.
type Mode int

const (
	ModeAccept Mode = iota
	ModeBounce
	ModeRandom
	ModeAcceptDelay
	ModeBounceDelay
	ModeRandomDelay

	// ModeOffline closes the connection without sending a banner.
	ModeOffline
)

var modeNames = map[Mode]string{
	ModeAccept:      "accept",
	ModeBounce:      "bounce",
	ModeRandom:      "random",
	ModeAcceptDelay: "accept_delay",
	ModeBounceDelay: "bounce_delay",
	ModeRandomDelay: "random_delay",
	ModeOffline:     "offline",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode maps a directive or header value to a Mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return ModeAccept, fmt.Errorf("unknown response mode %q", s)
}

// Offline reports whether connections should be dropped at banner time.
func (m Mode) Offline() bool { return m == ModeOffline }

// Delayed reports whether the mode forces a response delay.
func (m Mode) Delayed() bool {
	return m == ModeAcceptDelay || m == ModeBounceDelay || m == ModeRandomDelay
}

func (m Mode) base() Mode {
	switch m {
	case ModeAcceptDelay:
		return ModeAccept
	case ModeBounceDelay:
		return ModeBounce
	case ModeRandomDelay:
		return ModeRandom
	}
	return m
}

// forcedDelay is drawn when a *_delay mode is in effect but no delay is
// configured or supplied by header.
var forcedDelay = Delay{Lo: 1, Hi: 60}

// Delay is a response delay in whole seconds, either fixed (Lo == Hi) or an
// inclusive range drawn uniformly per message. The zero value means no
// delay.
type Delay struct {
	Lo, Hi int
}

// ParseDelay accepts "5", "5,10" (config syntax) and "5-10" (header
// syntax).
func ParseDelay(s string) (Delay, error) {
	sep := ","
	if strings.Contains(s, "-") {
		sep = "-"
	}

	parts := strings.SplitN(s, sep, 2)

	lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Delay{}, fmt.Errorf("invalid delay %q: %w", s, err)
	}

	hi := lo
	if len(parts) == 2 {
		hi, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return Delay{}, fmt.Errorf("invalid delay %q: %w", s, err)
		}
	}

	d := Delay{Lo: lo, Hi: hi}
	if lo < 0 || hi < lo {
		return Delay{}, fmt.Errorf("invalid delay range %q", s)
	}

	return d, nil
}

// IsZero reports whether no delay is configured.
func (d Delay) IsZero() bool { return d.Lo == 0 && d.Hi == 0 }

// Max returns the upper bound in seconds.
func (d Delay) Max() int { return d.Hi }

func (d Delay) String() string {
	if d.Lo == d.Hi {
		return strconv.Itoa(d.Lo)
	}
	return fmt.Sprintf("%d-%d", d.Lo, d.Hi)
}

// Duration draws the delay to apply to one message.
func (d Delay) Duration(rng *rand.Rand) time.Duration {
	if d.IsZero() {
		return 0
	}
	secs := d.Lo
	if d.Hi > d.Lo {
		secs = d.Lo + rng.IntN(d.Hi-d.Lo+1)
	}
	return time.Duration(secs) * time.Second
}

// Bounce codes the sink may answer with, and their canonical phrases.
var bounceCodes = [...]int{450, 451, 452, 458, 521, 550, 551, 552, 553, 571}

var bouncePhrases = map[int]string{
	450: "Requested mail action not taken: mailbox unavailable",
	451: "Requested action aborted: error in processing",
	452: "Requested action not taken: insufficient system storage",
	458: "Unable to queue messages for node",
	521: "Machine does not accept mail",
	550: "Requested action not taken: mailbox unavailable",
	551: "User not local",
	552: "Requested mail action aborted: exceeded storage allocation",
	553: "Requested action not taken: mailbox name inadmissible",
	571: "Blocked",
}

// BounceCodes returns the fixed code set, mainly for tests and docs.
func BounceCodes() []int {
	return bounceCodes[:]
}

// IsBounceCode reports whether code belongs to the fixed bounce set.
func IsBounceCode(code int) bool {
	_, ok := bouncePhrases[code]
	return ok
}

// Verdict is the final reply for one message. Mode records the effective
// mode it was decided under, after any per-message override.
type Verdict struct {
	Code int
	Text string
	Mode Mode
}

// Accepted reports whether the message was (nominally) queued.
func (v Verdict) Accepted() bool { return v.Code == 250 }

// MessageID returns the random token used in accept replies. 128 bits of
// hex; uniqueness across the fleet is not required.
func MessageID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// ...Reader is exhausted; fall back on a fixed id rather than fail
		// the message.
		return "00000000000000000000000000000000"
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// Decide produces the final reply for a message under the given mode.
// Random modes resolve to accept or bounce with equal probability; bounce
// codes are drawn uniformly from the fixed set.
func Decide(m Mode, rng *rand.Rand) Verdict {
	v := decide(m.base(), rng)
	v.Mode = m
	return v
}

func decide(base Mode, rng *rand.Rand) Verdict {
	switch base {
	case ModeRandom:
		if rng.IntN(2) == 0 {
			return decide(ModeAccept, rng)
		}
		return decide(ModeBounce, rng)
	case ModeBounce:
		code := bounceCodes[rng.IntN(len(bounceCodes))]
		return Verdict{Code: code, Text: bouncePhrases[code]}
	default:
		return Verdict{Code: 250, Text: "OK: queued as " + MessageID()}
	}
}

// EffectiveDelay resolves the delay for one message: an override beats the
// configured delay, and *_delay modes force a drawn delay when neither is
// present.
func EffectiveDelay(m Mode, configured Delay, override *Delay) Delay {
	if override != nil {
		return *override
	}
	if !configured.IsZero() {
		return configured
	}
	if m.Delayed() {
		return forcedDelay
	}
	return Delay{}
}
