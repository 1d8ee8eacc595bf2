package protocol

import "encoding/json"

const Version = "1.0"

// Broadcast event types fanned out to observers.
const (
	TypeUpdateInstitution  = "updateInstitution"
	TypeUpdateWeapon       = "updateWeapon"
	TypeReferendumStart    = "referendumStart"
	TypeReferendumProgress = "referendumProgress"
	TypeReferendumResult   = "referendumResult"
	TypeNewPolicy          = "newPolicy"
	TypePolicyVote         = "policyVote"

	// TypeWelcome is sent once to each observer on connect.
	TypeWelcome = "welcome"
)

// BaseMessage lets observers route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Broadcaster fans an event out to every connected observer. Implementations
// must not block the caller on slow observers.
type Broadcaster interface {
	Broadcast(msg any)
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(msg any)

func (f BroadcastFunc) Broadcast(msg any) { f(msg) }

// Discard drops every event.
var Discard Broadcaster = BroadcastFunc(func(any) {})
