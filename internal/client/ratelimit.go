package client

import "time"

// Send limits, evaluated over the client's own local send history: at
// most 2 sends in any trailing second and at most 20 in any trailing
// minute. This is advisory admission control at the edge: nothing
// server-side re-checks it, and a client talking to the store directly
// bypasses it entirely. That trust boundary is accepted.
const (
	burstLimit      = 2
	burstWindow     = time.Second
	sustainedLimit  = 20
	sustainedWindow = time.Minute
)

// rateLimiter implements the two sliding windows. Same trim-then-count
// scheme as a server-side window limiter, kept on a local slice because
// the decision input is the sender's own history, not shared state.
type rateLimiter struct {
	sent []time.Time
}

// permit reports whether a send at now is admitted. It does not record
// the send; call record once the send is actually issued.
func (l *rateLimiter) permit(now time.Time) bool {
	l.trim(now)
	if len(l.sent) >= sustainedLimit {
		return false
	}
	burst := 0
	for _, t := range l.sent {
		if now.Sub(t) < burstWindow {
			burst++
		}
	}
	return burst < burstLimit
}

func (l *rateLimiter) record(now time.Time) {
	l.trim(now)
	l.sent = append(l.sent, now)
}

// trim drops sends that have aged out of the larger window.
func (l *rateLimiter) trim(now time.Time) {
	cut := 0
	for cut < len(l.sent) && now.Sub(l.sent[cut]) >= sustainedWindow {
		cut++
	}
	l.sent = l.sent[cut:]
}
