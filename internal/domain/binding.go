package domain

// Binding tracks whether the conversation is attached to a persisted session.
// The zero value is Unbound.
type Binding struct {
	sessionID string
}

// Unbound returns a binding with no active session.
func Unbound() Binding { return Binding{} }

// Bound returns a binding that refers to sessionID.
func Bound(sessionID string) Binding { return Binding{sessionID: sessionID} }

// SessionID returns the active session id and whether the binding is bound.
func (b Binding) SessionID() (string, bool) {
	return b.sessionID, b.sessionID != ""
}

// IsBound reports whether an active session exists.
func (b Binding) IsBound() bool { return b.sessionID != "" }

func (b Binding) String() string {
	if b.sessionID == "" {
		return "unbound"
	}
	return "bound(" + b.sessionID + ")"
}
