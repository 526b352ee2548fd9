package amqp

import (
	"encoding/json"
	"time"
)

// Change kinds carried by state change messages.
const (
	KindTransaction = "transaction"
	KindBudget      = "budget"
	KindCategory    = "category"
	KindSettings    = "settings"
	KindGoal        = "goal"
)

// StateChangeMessage announces that a namespace's persisted state changed.
// It carries only the namespace and what kind of entity moved; the backup
// worker loads the current state from the database itself.
type StateChangeMessage struct {
	Namespace string    `json:"namespace"`
	Kind      string    `json:"kind"`
	Op        string    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStateChangeMessage builds a message for a single mutation.
func NewStateChangeMessage(namespace, kind, op string) *StateChangeMessage {
	return &StateChangeMessage{
		Namespace: namespace,
		Kind:      kind,
		Op:        op,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *StateChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// StateChangeMessageFromJSON creates a message from JSON bytes
func StateChangeMessageFromJSON(data []byte) (*StateChangeMessage, error) {
	var msg StateChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
