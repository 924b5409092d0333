// Package room implements the relay's core: participant identity, the
// owner slot, broadcast/peer/owner routing with shadow bookkeeping, and
// replay.
package room

import (
	"log/slog"
	"sync"

	"bken/server/internal/protocol"
	"bken/server/internal/ratelimit"

	"github.com/google/uuid"
)

// Room is a single ephemeral message-relay context: a code, an owner slot,
// a set of named participants, and the routing/lock/limit state that
// governs them.
type Room struct {
	mu sync.Mutex

	Code         string
	OwnerSecret  string
	OwnerAddress string
	Owner        *Participant

	participants map[string]*Participant
	lock         bool
	limit        int
	publicLog    []any

	joinLimiter *ratelimit.RoomLimiter
}

// New creates a room with a freshly generated owner secret. limit <= 0
// means unbounded; zero behaves the same as negative (see DESIGN.md).
func New(code string, limit int, ownerAddress string, joinLimiter *ratelimit.RoomLimiter) *Room {
	ownerSecret := uuid.NewString()
	return &Room{
		Code:         code,
		OwnerSecret:  ownerSecret,
		OwnerAddress: ownerAddress,
		Owner:        &Participant{Name: "owner", Secret: ownerSecret},
		participants: make(map[string]*Participant),
		limit:        limit,
		joinLimiter:  joinLimiter,
	}
}

// Locked reports whether the room currently refuses new registrations.
func (r *Room) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lock
}

// SetLock toggles the room's lock flag; permitted only from the owner
// slot, which the session layer enforces before calling this.
func (r *Room) SetLock(locked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lock = locked
}

// Register admits a new participant, checking preconditions in order:
// locked, limit, name-taken, name-empty, then the join rate-limit. On
// success it installs session as the participant's live transport, emits
// su to the new participant, backfills the public log into its history
// (history only, no live emission), and emits userappend to the owner.
func (r *Room) Register(name, address string, nowUnixNano int64, session Transport) (*Participant, error) {
	r.mu.Lock()

	if r.lock {
		r.mu.Unlock()
		return nil, ServerIsLocked
	}
	if r.limit >= 1 && len(r.participants) >= r.limit {
		r.mu.Unlock()
		return nil, RoomLimitReached
	}
	if _, exists := r.participants[name]; exists {
		r.mu.Unlock()
		return nil, NameIsTaken
	}
	if name == "" {
		r.mu.Unlock()
		return nil, NamePropertyIsEmpty
	}
	if !r.joinLimiter.Allow(address, nowUnixNano) {
		r.mu.Unlock()
		return nil, BannedByRateLimit
	}

	p := &Participant{Name: name, Secret: uuid.NewString(), Session: session}
	r.participants[name] = p

	pending := []delivery{p.queue(protocol.NewSu(p.Secret))}
	for _, envelope := range r.publicLog {
		p.record(envelope)
	}
	pending = append(pending, r.Owner.queue(protocol.NewUserAppend(name)))

	r.mu.Unlock()
	deliverAll(pending)

	return p, nil
}

// Reattach authenticates an existing participant by secret, takes over its
// session slot, and emits userjoin to the owner.
func (r *Room) Reattach(name, secret string, session Transport) (*Participant, error) {
	r.mu.Lock()

	p, ok := r.participants[name]
	if !ok {
		r.mu.Unlock()
		return nil, NameDoesntExist
	}
	if p.Secret != secret {
		r.mu.Unlock()
		return nil, SuCodeMismatch
	}

	p.takeover(session)
	pending := []delivery{r.Owner.queue(protocol.NewUserJoin(name))}

	r.mu.Unlock()
	deliverAll(pending)

	return p, nil
}

// AttachOwner authenticates the owner secret and takes over the owner slot.
func (r *Room) AttachOwner(secret string, session Transport) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if secret != r.OwnerSecret {
		return nil, SuAdminCodeMismatch
	}
	r.Owner.takeover(session)
	return r.Owner, nil
}

// Lookup returns a registered participant by name.
func (r *Room) Lookup(name string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[name]
	return p, ok
}

// Send routes content from sender to target. A broadcast fans out to every
// participant (sender included) and to the owner, appends to the public
// log, and, unless shadowSuppressed, records one shadow entry on the
// sender; any other target pushes once to that recipient and records a
// shadow on the sender. History/sequence bookkeeping happens under the
// room lock; the actual wire writes are collected and performed only after
// the lock is released, so a stalled socket cannot block the room's other
// participants.
func (r *Room) Send(sender *Participant, to Target, content string, shadowSuppressed bool) {
	r.mu.Lock()
	pending := r.sendLocked(sender, to, content, shadowSuppressed)
	r.mu.Unlock()
	deliverAll(pending)
}

func (r *Room) sendLocked(sender *Participant, to Target, content string, shadowSuppressed bool) []delivery {
	envelope := protocol.NewMsg(sender.Name, content)

	if to.Kind == TargetAll {
		pending := make([]delivery, 0, len(r.participants)+1)
		for _, p := range r.participants {
			pending = append(pending, p.queue(envelope))
		}
		pending = append(pending, r.Owner.queue(envelope))
		r.publicLog = append(r.publicLog, envelope)
		if !shadowSuppressed {
			sender.appendShadow(to.String(), content)
		}
		return pending
	}

	var pending []delivery
	if recipient := r.resolveLocked(to); recipient != nil {
		pending = append(pending, recipient.queue(envelope))
	}
	if !shadowSuppressed {
		sender.appendShadow(to.String(), content)
	}
	return pending
}

func (r *Room) resolveLocked(to Target) *Participant {
	switch to.Kind {
	case TargetOwner:
		return r.Owner
	case TargetNamed:
		return r.participants[to.Name]
	default:
		return nil
	}
}

// GenerateReplay builds the repeated-envelope tail for p.
func (r *Room) GenerateReplay(p *Participant, expectedNext int) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.generateReplay(expectedNext)
}

// EmitUserLeft pushes userleft to the owner if name is still a known
// participant. Called only for abnormal session closes.
func (r *Room) EmitUserLeft(name string) {
	r.mu.Lock()
	var pending []delivery
	if _, ok := r.participants[name]; ok {
		pending = append(pending, r.Owner.queue(protocol.NewUserLeft(name)))
	}
	r.mu.Unlock()
	deliverAll(pending)
}

// Close shuts down every live session in the room with cause ServerClosing,
// participants first and then the owner.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, p := range r.participants {
		if p.Session == nil {
			continue
		}
		if err := p.Session.Close(ServerClosing.Code, ServerClosing.Name); err != nil {
			slog.Debug("close participant session", "room", r.Code, "participant", name, "err", err)
		}
	}
	if r.Owner.Session != nil {
		if err := r.Owner.Session.Close(ServerClosing.Code, ServerClosing.Name); err != nil {
			slog.Debug("close owner session", "room", r.Code, "err", err)
		}
	}
}

// ParticipantCount returns the number of registered participants.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// delivery is one wrapped envelope still owed to a transport once the room
// lock is released: the envelope plus the transport it is headed for,
// captured at the moment history advanced.
type delivery struct {
	transport Transport
	envelope  any
}

// deliverAll performs the best-effort wire write for each queued delivery.
// Must be called with the room lock already released. A write failure is
// swallowed; history has already advanced by the time this runs and replay
// repairs the gap.
func deliverAll(pending []delivery) {
	for _, d := range pending {
		if d.transport == nil {
			continue
		}
		_ = d.transport.WriteJSON(d.envelope)
	}
}
