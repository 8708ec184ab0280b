// Package mq implements the /goop/mq/1.0.0 message transport.
// Wire format: one newline-delimited JSON message per libp2p stream,
// answered by one JSON ack on the same stream.
package mq

import "encoding/json"

// MsgType constants for the wire protocol.
const (
	MsgTypeMsg = "msg" // sender → receiver
	MsgTypeAck = "ack" // receiver → sender
)

// MQMsg is the wire type for a message sent over the MQ protocol.
type MQMsg struct {
	Type    string          `json:"type"`  // "msg"
	ID      string          `json:"id"`    // uuid4, unique per message
	Seq     int64           `json:"seq"`   // monotonic counter per sender
	Topic   string          `json:"topic"` // e.g. "call:signal"
	Payload json.RawMessage `json:"payload"`
}

// MQAck is the wire type for a transport ack. It is written only after
// the message has been handed to every matching subscriber.
type MQAck struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`   // matches MQMsg.ID
	Seq  int64  `json:"seq"`  // matches MQMsg.Seq
}

// Message is an inbound message as seen by subscribers. From is the
// authenticated remote peer of the stream it arrived on.
type Message struct {
	ID      string
	Seq     int64
	From    string
	Topic   string
	Payload json.RawMessage
	Via     string
}
