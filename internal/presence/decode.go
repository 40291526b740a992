package presence

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/roomcall/internal/proto"
)

// wireRecord accepts the current record and the field names older clients
// still send.
type wireRecord struct {
	proto.PresenceMsg

	LegacyPeerID    string          `json:"peerId"`
	LegacyOnlineAt  json.RawMessage `json:"online_at"`
	LegacyAvatarURL string          `json:"avatar_url"`
	LegacyName      string          `json:"display_name"`
}

// decode validates one record into a Participant. Records without a user or
// signaling id, or with an unknown type, are rejected. A missing join time
// is left zero for the channel to fill in.
func decode(data []byte) (string, Participant, bool) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return "", Participant{}, false
	}

	typ := w.Type
	switch typ {
	case proto.TypeOnline, proto.TypeUpdate, proto.TypeOffline:
	case "":
		typ = proto.TypeUpdate
	default:
		return "", Participant{}, false
	}

	p := Participant{
		UserID:        strings.TrimSpace(w.UserID),
		DisplayName:   firstNonEmpty(w.Username, w.LegacyName),
		AvatarRef:     firstNonEmpty(w.AvatarRef, w.LegacyAvatarURL),
		SignalingID:   strings.TrimSpace(firstNonEmpty(w.SignalingID, w.LegacyPeerID)),
		JoinTimestamp: w.JoinTimestamp,
		Addrs:         w.Addrs,
	}
	if p.UserID == "" || p.SignalingID == "" {
		// Keys of the form userId:signalingId still identify the sender.
		if u, s, ok := strings.Cut(w.Key, ":"); ok && u != "" && s != "" {
			p.UserID, p.SignalingID = firstNonEmpty(p.UserID, u), firstNonEmpty(p.SignalingID, s)
		}
	}
	if p.UserID == "" || p.SignalingID == "" {
		return "", Participant{}, false
	}
	if p.JoinTimestamp <= 0 {
		p.JoinTimestamp = parseOnlineAt(w.LegacyOnlineAt)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.UserID
	}
	return typ, p, true
}

// parseOnlineAt reads unix millis or an RFC 3339 timestamp. Zero on failure.
func parseOnlineAt(raw json.RawMessage) int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms
		}
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f)
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
