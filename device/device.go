package device

import "strings"

// Class identifies the kind of client a connection belongs to.
type Class string

const (
	Android Class = "android"
	IOS     Class = "ios"
	Web     Class = "web"
	Mac     Class = "mac"
	Windows Class = "win"
	Linux   Class = "linux"
)

// Group is the exclusivity bucket a device class belongs to. Two classes
// in the same group may not hold simultaneous connections for one user.
type Group string

const (
	GroupMobile  Group = "mobile"
	GroupDesktop Group = "desktop"
	GroupWeb     Group = "web"
)

// groups is the authoritative class -> group table. Conflict checks and
// parsing are both derived from it; there is no other source of truth.
var groups = map[Class]Group{
	Android: GroupMobile,
	IOS:     GroupMobile,
	Web:     GroupWeb,
	Mac:     GroupDesktop,
	Windows: GroupDesktop,
	Linux:   GroupDesktop,
}

// Classes returns all known device classes.
func Classes() []Class {
	return []Class{Android, IOS, Web, Mac, Windows, Linux}
}

// String returns the wire representation of the class.
func (c Class) String() string {
	return string(c)
}

// Group returns the exclusivity group of the class, or "" for an unknown class.
func (c Class) Group() Group {
	return groups[c]
}

// Known reports whether the class is one of the defined device classes.
func (c Class) Known() bool {
	_, ok := groups[c]
	return ok
}

// Parse resolves a raw device identifier to a Class. It tolerates case and
// surrounding whitespace. The second return value reports whether the
// identifier was recognized.
func Parse(raw string) (Class, bool) {
	c := Class(strings.ToLower(strings.TrimSpace(raw)))
	if c.Known() {
		return c, true
	}
	return "", false
}

// ParseOrDefault resolves a raw device identifier, falling back to def for
// unknown or empty input.
func ParseOrDefault(raw string, def Class) Class {
	if c, ok := Parse(raw); ok {
		return c
	}
	return def
}

// ConflictPolicy decides whether two device classes may hold simultaneous
// connections for the same user. The zero value is not usable; construct
// one with NewConflictPolicy or SingleSessionPolicy.
type ConflictPolicy struct {
	singleSession bool
}

// NewConflictPolicy returns the standard policy: classes conflict exactly
// when they share a device group. A class always conflicts with itself.
func NewConflictPolicy() *ConflictPolicy {
	return &ConflictPolicy{}
}

// SingleSessionPolicy returns a policy under which every class conflicts
// with every other, allowing at most one live connection per user.
func SingleSessionPolicy() *ConflictPolicy {
	return &ConflictPolicy{singleSession: true}
}

// Conflicts reports whether a and b may not be connected at the same time
// for one user. It is pure, total and symmetric. Unknown classes never
// conflict under the standard policy and always conflict in single-session
// mode, matching how unauthenticated garbage should be treated upstream.
func (p *ConflictPolicy) Conflicts(a, b Class) bool {
	if p.singleSession {
		return true
	}
	ga, aok := groups[a]
	gb, bok := groups[b]
	if !aok || !bok {
		return false
	}
	return ga == gb
}
