// Package protocol defines the closed set of outbound envelope kinds the
// relay emits and the small inbound text-frame convention sessions use to
// send commands.
package protocol

import (
	"encoding/json"
	"strings"
)

// Kind tags every outbound envelope with the relay's small closed vocabulary.
const (
	KindMsg        = "msg"
	KindUserAppend = "userappend"
	KindUserJoin   = "userjoin"
	KindUserLeft   = "userleft"
	KindSu         = "su"
	KindRepeated   = "repeated"
	KindShadow     = "shadow"
)

// Msg carries a peer's content to a recipient.
type Msg struct {
	Type string `json:"type"`
	From string `json:"from"`
	Am   string `json:"am"`
}

// NewMsg builds a msg envelope.
func NewMsg(from, content string) Msg {
	return Msg{Type: KindMsg, From: from, Am: content}
}

// UserAppend announces a brand new registration to the owner.
type UserAppend struct {
	Type string `json:"type"`
	User string `json:"user"`
}

func NewUserAppend(name string) UserAppend {
	return UserAppend{Type: KindUserAppend, User: name}
}

// UserJoin announces a known participant reattaching.
type UserJoin struct {
	Type string `json:"type"`
	User string `json:"user"`
}

func NewUserJoin(name string) UserJoin {
	return UserJoin{Type: KindUserJoin, User: name}
}

// UserLeft announces a known participant's session dropping abnormally.
type UserLeft struct {
	Type string `json:"type"`
	User string `json:"user"`
}

func NewUserLeft(name string) UserLeft {
	return UserLeft{Type: KindUserLeft, User: name}
}

// Su delivers a participant's own secret once, at registration.
type Su struct {
	Type string `json:"type"`
	Su   string `json:"su"`
}

func NewSu(secret string) Su {
	return Su{Type: KindSu, Su: secret}
}

// ShadowBody is the payload carried by a Shadow envelope.
type ShadowBody struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// Shadow is a history-only record of a message its owner sent. It never
// traverses the wire on its own; it only appears inside a Repeated tail.
type Shadow struct {
	Type   string     `json:"type"`
	Shadow ShadowBody `json:"shadow"`
}

func NewShadow(to, content string) Shadow {
	return Shadow{Type: KindShadow, Shadow: ShadowBody{To: to, Content: content}}
}

// Repeated answers a replay request with the tail of history the caller
// hasn't seen yet.
type Repeated struct {
	Type   string `json:"type"`
	Start  int    `json:"start"`
	Repeat []any  `json:"repeat"`
}

func NewRepeated(start int, tail []any) Repeated {
	return Repeated{Type: KindRepeated, Start: start, Repeat: tail}
}

// Inbound wraps every envelope actually written to a participant's
// transport: {"kind": "inbound", "q": <seq>, "msg": <envelope>}.
type Inbound struct {
	Kind string `json:"kind"`
	Q    int    `json:"q"`
	Msg  any    `json:"msg"`
}

// NewInbound wraps an envelope for the wire at sequence q.
func NewInbound(q int, envelope any) Inbound {
	return Inbound{Kind: "inbound", Q: q, Msg: envelope}
}

// Error is an envelope shaped for a protocol-level problem, written outside
// the inbound wrapper. No session code path sends it: a malformed or
// refused open is answered with a websocket close frame instead.
type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewError(msg string) Error {
	return Error{Type: "error", Error: msg}
}

// ChatPayload is the body of a "chat" command frame. To carries the legacy
// numeric-or-string routing sentinel described in internal/room.
type ChatPayload struct {
	To      json.RawMessage `json:"to"`
	Content string          `json:"content"`
}

// SplitCommand splits an inbound text frame into a command word and its
// JSON payload, following the "<command> <json-payload>" convention. Frames
// of length <= 1 are the keepalive convention and must be ignored by the
// caller; ok reports whether the frame was long enough to parse at all.
func SplitCommand(frame string) (cmd string, payload string, ok bool) {
	if len(frame) <= 1 {
		return "", "", false
	}
	idx := strings.IndexByte(frame, ' ')
	if idx < 0 {
		return frame, "", true
	}
	return frame[:idx], frame[idx+1:], true
}
