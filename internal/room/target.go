package room

import (
	"encoding/json"
	"fmt"
)

// TargetKind distinguishes the relay's three routing destinations. The
// wire protocol overloads the recipient field with the integers 1 and 2 to
// mean "owner" and "all"; routing is modeled as its own tagged variant so
// a participant literally named "1" or "2" can never be confused for a
// sentinel.
type TargetKind int

const (
	TargetOwner TargetKind = iota
	TargetAll
	TargetNamed
)

// Target is a routing destination: the owner slot, the broadcast sentinel,
// or a named participant.
type Target struct {
	Kind TargetKind
	Name string
}

func OwnerTarget() Target            { return Target{Kind: TargetOwner} }
func AllTarget() Target              { return Target{Kind: TargetAll} }
func NamedTarget(name string) Target { return Target{Kind: TargetNamed, Name: name} }

// String renders the target for use inside a shadow entry's "to" field.
func (t Target) String() string {
	switch t.Kind {
	case TargetOwner:
		return "owner"
	case TargetAll:
		return "all"
	default:
		return t.Name
	}
}

// ParseWireTarget decodes a chat command's "to" field. On the wire the
// routing sentinels are the integers 1 (owner) and 2 (all), carried in the
// same JSON value a participant name would otherwise occupy; both shapes
// are accepted and mapped onto the tagged Target above.
func ParseWireTarget(raw json.RawMessage) (Target, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		switch n {
		case 1:
			return OwnerTarget(), nil
		case 2:
			return AllTarget(), nil
		default:
			return Target{}, fmt.Errorf("unknown numeric routing target %d", n)
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return Target{}, fmt.Errorf("routing target name must not be empty")
		}
		return NamedTarget(s), nil
	}

	return Target{}, fmt.Errorf("routing target must be an integer sentinel or a participant name")
}
