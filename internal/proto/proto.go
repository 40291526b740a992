package proto

import (
	"regexp"
	"time"
)

const (
	// RoomTopicPrefix is prepended to the sanitized room id to form the
	// presence topic shared by every participant of that room.
	RoomTopicPrefix = "roomcall.room."

	MdnsTag = "roomcall-mdns"

	// libp2p stream protocol ID for acknowledged peer messages (signaling)
	MQProtoID = "/roomcall/mq/1.0.0"

	// libp2p stream protocol ID for fetching a participant's avatar image
	AvatarProtoID = "/roomcall/avatar/1.0.0"

	// SignalTopicPrefix is the mq topic prefix for call signaling. The
	// full topic is SignalTopicPrefix + the addressed identity instance.
	SignalTopicPrefix = "call:"
)

// Presence message types.
const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// Signaling message types.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalHangup = "hangup"

	// SignalUnavailable is returned by a broker when the addressed identity
	// no longer exists on that peer.
	SignalUnavailable = "unavailable"
)

var roomIDStrip = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SanitizeRoomID strips every character outside [a-zA-Z0-9].
func SanitizeRoomID(roomID string) string {
	return roomIDStrip.ReplaceAllString(roomID, "")
}

// RoomTopic returns the presence topic for roomID. Every client computes the
// same name for the same room, so participants meet on one topic.
func RoomTopic(roomID string) string {
	return RoomTopicPrefix + SanitizeRoomID(roomID)
}

// PresenceMsg is the wire form of one presence record. Peers running older
// builds may send partial records; presence normalizes them on receipt.
type PresenceMsg struct {
	Type          string   `json:"type"` // online|update|offline
	Key           string   `json:"key"`  // userId:signalingId
	UserID        string   `json:"userId"`
	Username      string   `json:"username,omitempty"`
	AvatarRef     string   `json:"avatarRef,omitempty"`
	SignalingID   string   `json:"signalingId"`
	JoinTimestamp int64    `json:"joinTimestamp"` // unix millis
	Addrs         []string `json:"addrs,omitempty"`
	TS            int64    `json:"ts"`
}

// SignalMsg is the payload carried on a call:<instance> mq topic.
type SignalMsg struct {
	Type string `json:"type"` // offer|answer|hangup|unavailable
	From string `json:"from"` // sender signaling id
	Room string `json:"room"` // presence topic, guards against cross-room offers
	SDP  string `json:"sdp,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
