package ws

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(c *Conn, msg any)

// Dispatcher routes client frames by type. Pings are answered internally.
type Dispatcher struct {
	handlers map[string]MessageHandler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]MessageHandler)}
}

// Register sets the handler for msgType, replacing any earlier one.
func (d *Dispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and calls the matching handler. Malformed frames and
// unregistered types get an error frame.
func (d *Dispatcher) Dispatch(c *Conn, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.WithField("session", c.ID).WithError(err).Debug("[ws] dispatch parse error")
		if errors.Is(err, protocol.ErrUnknownType) {
			sendError(c, protocol.ErrorMsg{Code: protocol.CodeUnsupportedType, Message: "unsupported message type"})
			return
		}
		sendError(c, protocol.ErrorMsg{Code: protocol.CodeParseError, Message: "invalid message format"})
		return
	}

	if msgType == protocol.TypePing {
		send(c, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.WithFields(log.Fields{"session": c.ID, "type": msgType}).Debug("[ws] unsupported message type")
		sendError(c, protocol.ErrorMsg{Code: protocol.CodeUnsupportedType, Message: "unsupported message type"})
		return
	}
	handler(c, msg)
}

func sendError(c *Conn, e protocol.ErrorMsg) {
	send(c, protocol.TypeError, e)
}

// send encodes and writes a server frame. Failures are logged only; a dead
// connection is removed by the read path or the heartbeat.
func send(c *Conn, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.WithField("session", c.ID).WithError(err).Errorf("[ws] build %s frame", msgType)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.WithField("session", c.ID).WithError(err).Debugf("[ws] write %s frame", msgType)
	}
}
