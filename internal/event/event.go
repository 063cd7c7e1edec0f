// Package event defines the wire protocol for the agentchat WebSocket layer.
// Every frame is a single JSON object discriminated by its "type" field. Frames
// are decoded and validated here, at the transport boundary, so no partially
// trusted payload ever reaches the router.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type represents the kind of a WebSocket event
type Type string

const (
	TypeRegister   Type = "register"
	TypeChat       Type = "chat"
	TypeChatClosed Type = "chatClosed"
	TypeUserList   Type = "userList"
	TypeError      Type = "error"
)

// Role represents the registered role of a connection
type Role string

const (
	RoleAgent      Role = "Agent"
	RoleTeamLeader Role = "TeamLeader"
	RoleSuperAdmin Role = "SuperAdmin"
)

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleTeamLeader || r == RoleSuperAdmin
}

// Supervisory reports whether the role is TeamLeader or SuperAdmin.
func (r Role) Supervisory() bool {
	return r == RoleTeamLeader || r == RoleSuperAdmin
}

// BroadcastTarget is the literal "to" value addressing every registered
// supervisory connection.
const BroadcastTarget = "all"

// Decode errors. The transport layer wraps these into the application error
// taxonomy; none of them tears a connection down.
var (
	// ErrUnknownType is returned when the "type" field is missing or unknown
	ErrUnknownType = errors.New("unknown event type")
	// ErrMissingField is returned when a required field is empty
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidRole is returned when userType/fromType is not a known role
	ErrInvalidRole = errors.New("invalid role")
	// ErrServerOnly is returned when a client sends a server-only event type
	ErrServerOnly = errors.New("server-only event type")
)

// Event is the decoded tagged union over the wire event kinds.
type Event interface {
	EventType() Type
}

// Identity is the identity a connection registers under.
type Identity struct {
	Username string
	Role     Role
	LogID    string
}

// Register announces a connection's identity. Sent once per connection
// immediately after transport open.
type Register struct {
	Username string `json:"username"`
	UserType Role   `json:"userType"`
	LogID    string `json:"logId,omitempty"`
}

// EventType implements Event
func (*Register) EventType() Type { return TypeRegister }

// Identity returns the identity carried by the register frame.
func (r *Register) Identity() Identity {
	return Identity{Username: r.Username, Role: r.UserType, LogID: r.LogID}
}

// Chat is a unit of conversation. Immutable once constructed; the router only
// relays copies of the encoded frame.
type Chat struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	FromType  Role   `json:"fromType"`
	Timestamp string `json:"timestamp"`
}

// EventType implements Event
func (*Chat) EventType() Type { return TypeChat }

// Broadcast reports whether the chat is addressed to all supervisory
// connections rather than a single username.
func (c *Chat) Broadcast() bool { return c.To == BroadcastTarget }

// ChatClosed signals that a logical conversation (identified by the agent's
// username) has ended, independent of any socket's lifecycle.
//
// The canonical envelope is {type, agentUsername, timestamp}. Clients
// announcing their own closure may instead send {type, username, userType,
// logId}; Decode normalizes that form into the canonical one and retains the
// log ID so the caller can close the chat log. LogID is never relayed.
type ChatClosed struct {
	AgentUsername string `json:"agentUsername"`
	Timestamp     string `json:"timestamp"`
	LogID         string `json:"-"`
}

// EventType implements Event
func (*ChatClosed) EventType() Type { return TypeChatClosed }

// RosterEntry is one supervisory user in a userList push.
type RosterEntry struct {
	Username string `json:"username"`
}

// UserList carries the full current roster of registered supervisory users.
// Server to client only; recomputed and re-sent in full on every change.
type UserList struct {
	Supervisors []RosterEntry `json:"supervisors"`
}

// EventType implements Event
func (*UserList) EventType() Type { return TypeUserList }

// ErrorInfo contains error details surfaced to the client
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ErrorEvent is an error frame sent to the offending client. Server to client
// only.
type ErrorEvent struct {
	Error ErrorInfo `json:"error"`
}

// EventType implements Event
func (*ErrorEvent) EventType() Type { return TypeError }

// envelope is the flat wire shape all event kinds share. Unknown fields are
// ignored; validation happens per type after unmarshaling.
type envelope struct {
	Type Type `json:"type"`

	// register and the client-announced chatClosed form
	Username string `json:"username,omitempty"`
	UserType Role   `json:"userType,omitempty"`
	LogID    string `json:"logId,omitempty"`

	// chat
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
	FromType Role   `json:"fromType,omitempty"`

	// canonical chatClosed
	AgentUsername string `json:"agentUsername,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`

	// userList (server to client)
	Supervisors []RosterEntry `json:"supervisors,omitempty"`

	// error (server to client)
	Error *ErrorInfo `json:"error,omitempty"`
}

// Decode parses and validates a single inbound frame. A client timestamp is
// passed through verbatim; a missing one is stamped with the server clock.
func Decode(data []byte, now time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, err)
	}

	switch env.Type {
	case TypeRegister:
		if env.Username == "" {
			return nil, fmt.Errorf("%w: username", ErrMissingField)
		}
		if !env.UserType.Valid() {
			return nil, fmt.Errorf("%w: userType %q", ErrInvalidRole, env.UserType)
		}
		return &Register{Username: env.Username, UserType: env.UserType, LogID: env.LogID}, nil

	case TypeChat:
		if env.From == "" {
			return nil, fmt.Errorf("%w: from", ErrMissingField)
		}
		if env.To == "" {
			return nil, fmt.Errorf("%w: to", ErrMissingField)
		}
		if env.Text == "" {
			return nil, fmt.Errorf("%w: text", ErrMissingField)
		}
		if env.FromType != "" && !env.FromType.Valid() {
			return nil, fmt.Errorf("%w: fromType %q", ErrInvalidRole, env.FromType)
		}
		ts := env.Timestamp
		if ts == "" {
			ts = now.Format(time.RFC3339)
		}
		return &Chat{From: env.From, To: env.To, Text: env.Text, FromType: env.FromType, Timestamp: ts}, nil

	case TypeChatClosed:
		// Canonical form first, then the client-announced form.
		agent := env.AgentUsername
		if agent == "" {
			agent = env.Username
		}
		if agent == "" {
			return nil, fmt.Errorf("%w: agentUsername", ErrMissingField)
		}
		ts := env.Timestamp
		if ts == "" {
			ts = now.Format(time.RFC3339)
		}
		return &ChatClosed{AgentUsername: agent, Timestamp: ts, LogID: env.LogID}, nil

	case TypeUserList, TypeError:
		return nil, fmt.Errorf("%w: %s", ErrServerOnly, env.Type)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode marshals an event into its wire frame.
func Encode(ev Event) ([]byte, error) {
	env := envelope{Type: ev.EventType()}

	switch e := ev.(type) {
	case *Register:
		env.Username = e.Username
		env.UserType = e.UserType
		env.LogID = e.LogID
	case *Chat:
		env.From = e.From
		env.To = e.To
		env.Text = e.Text
		env.FromType = e.FromType
		env.Timestamp = e.Timestamp
	case *ChatClosed:
		env.AgentUsername = e.AgentUsername
		env.Timestamp = e.Timestamp
	case *UserList:
		// Marshaled separately so an empty roster encodes as [] instead of
		// being dropped by omitempty.
		sup := e.Supervisors
		if sup == nil {
			sup = []RosterEntry{}
		}
		return json.Marshal(&struct {
			Type        Type          `json:"type"`
			Supervisors []RosterEntry `json:"supervisors"`
		}{TypeUserList, sup})
	case *ErrorEvent:
		env.Error = &e.Error
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}

	return json.Marshal(&env)
}
