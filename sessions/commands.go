package sessions

import "encoding/json"

// Op identifies a command on the inbound command surface. Payloads are
// opaque to this layer; the wire codec lives with the transports and the
// chain-state engine.
type Op string

const (
	OpRegisterSession   Op = "register_session"
	OpUnregisterSession Op = "unregister_session"
	OpRegisterWallet    Op = "register_wallet"
	OpRegisterLockbox   Op = "register_lockbox"
	OpQuery             Op = "query"
	OpShutdown          Op = "shutdown"
)

// Command is one inbound client command. SessionID addresses an existing
// session (empty on register_session to have the registry mint one);
// EntityID names the wallet/lockbox a registration or query refers to.
type Command struct {
	Op        Op              `json:"op"`
	SessionID string          `json:"sessionId,omitempty"`
	EntityID  string          `json:"entityId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Result is the opaque serialized response to a command, produced either by
// the chain-state engine or by this core for lifecycle commands.
type Result json.RawMessage

// ackResult builds the small lifecycle acknowledgements this core emits
// itself (registration, unregistration, shutdown).
func ackResult(fields map[string]any) Result {
	b, err := json.Marshal(fields)
	if err != nil {
		// Fields are plain strings assembled in this package; marshalling
		// cannot fail for them.
		return Result(`{}`)
	}
	return Result(b)
}
