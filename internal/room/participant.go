package room

import (
	"bken/server/internal/protocol"
)

// Transport is the minimal capability a session slot needs: write an
// envelope, or close with an application cause. Room and participant logic
// is written against it so it can be unit-tested without a real websocket
// connection.
type Transport interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// historyEntry is either a retained inbound envelope, or a shadow: a
// record that this participant itself sent something. Shadows never
// travel the wire on their own.
type historyEntry struct {
	shadow   *protocol.Shadow
	envelope any
}

func (e historyEntry) isShadow() bool { return e.shadow != nil }

func (e historyEntry) repr() any {
	if e.shadow != nil {
		return *e.shadow
	}
	return e.envelope
}

// Participant is a named identity within a room: a secret, a current
// transport slot, a monotonic outbound sequence counter, and its retained
// history. The owner is represented by the same shape.
type Participant struct {
	Name    string
	Secret  string
	Session Transport
	NextSeq int

	history []historyEntry
}

// queue wraps envelope at the current sequence number, appends it to
// history, and advances NextSeq, returning the wire write as a delivery
// instead of performing it immediately. The caller must call deliverAll
// once the room lock protecting this history is released, so a stalled
// socket write can never block another participant's room operation.
func (p *Participant) queue(envelope any) delivery {
	wrapped := protocol.NewInbound(p.NextSeq, envelope)
	p.history = append(p.history, historyEntry{envelope: envelope})
	p.NextSeq++
	return delivery{transport: p.Session, envelope: wrapped}
}

// record appends envelope to history and advances NextSeq without ever
// queuing a wire write. It backs the public-log backfill at registration:
// the backfill populates history only, and the client picks the entries up
// through replay rather than live emission.
func (p *Participant) record(envelope any) {
	p.history = append(p.history, historyEntry{envelope: envelope})
	p.NextSeq++
}

// appendShadow records that this participant sent content to `to`, without
// touching NextSeq or writing anything to the wire.
func (p *Participant) appendShadow(to, content string) {
	sh := protocol.NewShadow(to, content)
	p.history = append(p.history, historyEntry{shadow: &sh})
}

// generateReplay walks history from the start counting only non-shadow
// entries, stops at the first position c where that count equals
// expectedNext, and returns history[c:] (shadows included) rendered as
// wire-shaped values.
func (p *Participant) generateReplay(expectedNext int) []any {
	count := 0
	c := len(p.history)
	for i, e := range p.history {
		if count == expectedNext {
			c = i
			break
		}
		if !e.isShadow() {
			count++
		}
	}

	tail := make([]any, 0, len(p.history)-c)
	for _, e := range p.history[c:] {
		tail = append(tail, e.repr())
	}
	return tail
}

// takeover closes any prior live session on this slot with cause
// Overridden, then installs the new one.
func (p *Participant) takeover(session Transport) {
	if p.Session != nil {
		_ = p.Session.Close(Overridden.Code, Overridden.Name)
	}
	p.Session = session
}
