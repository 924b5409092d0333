// Package registry allocates room codes and owns the set of active rooms.
package registry

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"bken/server/internal/ratelimit"
	"bken/server/internal/room"
)

const codeLength = 4

var letterSpace = big.NewInt(26)

// Registry holds the set of active rooms, keyed by their full code
// (prefix + generated letters).
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room.Room
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{rooms: make(map[string]*room.Room)}
}

// Create allocates an unused code (retrying on collision), builds a room
// under it, and stores it. If prefix is non-empty the stored code is
// prefix+letters; DisplayCode still returns just the 4-letter tail.
func (reg *Registry) Create(prefix string, limit int, ownerAddress string, joinLimiter *ratelimit.RoomLimiter) *room.Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var code string
	for {
		candidate := prefix + generateLetters()
		if _, exists := reg.rooms[candidate]; !exists {
			code = candidate
			break
		}
	}

	r := room.New(code, limit, ownerAddress, joinLimiter)
	reg.rooms[code] = r
	return r
}

// Lookup returns the room stored under code, if any.
func (reg *Registry) Lookup(code string) (*room.Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[code]
	return r, ok
}

// Codes returns every currently active room code. It backs the optional
// inspector endpoint.
func (reg *Registry) Codes() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	codes := make([]string, 0, len(reg.rooms))
	for code := range reg.rooms {
		codes = append(codes, code)
	}
	return codes
}

// Free removes a room from the registry. A double-free is logged as an
// error and reported back, but must never panic the process.
func (reg *Registry) Free(code string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.rooms[code]; !ok {
		slog.Error("tried to free a room that is not present", "code", code)
		return fmt.Errorf("room %q is not present", code)
	}
	delete(reg.rooms, code)
	return nil
}

// DisplayCode returns the 4-letter tail of a full (possibly prefixed)
// code, which is what's shown to clients.
func DisplayCode(code string) string {
	if len(code) <= codeLength {
		return code
	}
	return code[len(code)-codeLength:]
}

func generateLetters() string {
	letters := make([]byte, codeLength)
	for i := range letters {
		n, err := rand.Int(rand.Reader, letterSpace)
		if err != nil {
			// crypto/rand failing is unrecoverable entropy starvation; fall
			// back to a fixed letter rather than panicking the process.
			letters[i] = 'A'
			continue
		}
		letters[i] = byte('A') + byte(n.Int64())
	}
	return string(letters)
}
