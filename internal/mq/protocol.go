// Package mq implements the /roomcall/mq/1.0.0 acknowledged message transport.
// Wire format: one newline-delimited JSON message per libp2p stream, answered
// by a transport ACK on the same stream.
package mq

import "encoding/json"

// MsgType constants for the wire protocol.
const (
	MsgTypeMsg = "msg" // sender → receiver
	MsgTypeAck = "ack" // receiver → sender (transport ACK)
)

// MQMsg is the wire type for a message sent over the MQ protocol.
type MQMsg struct {
	Type    string          `json:"type"`    // "msg"
	ID      string          `json:"id"`      // uuid4
	Seq     int64           `json:"seq"`     // monotonic counter per sender
	Topic   string          `json:"topic"`   // e.g. "call:<instance>"
	Payload json.RawMessage `json:"payload"` // arbitrary JSON
}

// MQAck is the wire type for a transport ACK.
type MQAck struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`   // matches MQMsg.ID
	Seq  int64  `json:"seq"`  // matches MQMsg.Seq
}

// Stats counts messages since the manager started.
type Stats struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"` // received with no subscriber
}
