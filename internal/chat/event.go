package chat

// Event types published on chat.<chat_id>.
const (
	EventMessage = "message"
)

// Event is the payload published to NATS chat.<chat_id> subjects after a
// message is persisted. Subscribers must apply Message.VisibleTo before
// delivering it.
type Event struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}
