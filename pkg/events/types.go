// Package events fans task progress out to push subscribers. The bus
// is in-process: workers publish, SSE and WebSocket handlers subscribe,
// and the task row in the database remains the durable source of truth
// for poll-based clients.
package events

// ClientMessage is a message from a WebSocket client.
type ClientMessage struct {
	Action string `json:"action"`            // subscribe | unsubscribe | ping
	TaskID string `json:"task_id,omitempty"` // required for subscribe/unsubscribe
}

// Server message types sent alongside progress events.
const (
	MsgConnectionEstablished = "connection.established"
	MsgSubscriptionConfirmed = "subscription.confirmed"
	MsgSubscriptionClosed    = "subscription.closed"
	MsgTaskProgress          = "task.progress"
	MsgError                 = "error"
	MsgPong                  = "pong"
)
