package call

import (
	"sort"
	"time"

	"github.com/petervdpas/roomcall/internal/presence"
)

// Role is advisory UI metadata. It gates nothing.
type Role int

const (
	RoleUndetermined Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "HOST"
	case RoleGuest:
		return "GUEST"
	}
	return ""
}

// Before reports whether a joined before b: earlier join timestamp first,
// signaling id as the tie-break.
func Before(a, b presence.Participant) bool {
	if a.JoinTimestamp != b.JoinTimestamp {
		return a.JoinTimestamp < b.JoinTimestamp
	}
	return a.SignalingID < b.SignalingID
}

// Order returns participants sorted by join order, one entry per signaling
// id. When two records share a signaling id the earlier one wins.
func Order(ps []presence.Participant) []presence.Participant {
	out := append([]presence.Participant(nil), ps...)
	sort.SliceStable(out, func(i, j int) bool { return Before(out[i], out[j]) })
	seen := make(map[string]bool, len(out))
	uniq := out[:0]
	for _, p := range out {
		if seen[p.SignalingID] {
			continue
		}
		seen[p.SignalingID] = true
		uniq = append(uniq, p)
	}
	return uniq
}

// RoleOf returns self's role given the ordered participant set.
func RoleOf(self presence.Participant, ordered []presence.Participant) Role {
	if len(ordered) == 0 {
		return RoleUndetermined
	}
	if ordered[0].SignalingID == self.SignalingID {
		return RoleHost
	}
	return RoleGuest
}

// ShouldOriginate reports whether self dials remote. Only the later joiner
// of a pair dials, so exactly one side ever does.
func ShouldOriginate(self, remote presence.Participant) bool {
	return Before(remote, self)
}

// ConnInfo is what reconciliation needs to know about one registry entry.
type ConnInfo struct {
	Live   bool // a non-closed connection exists
	Stream bool // a remote stream is attached
	Age    time.Duration
}

// Plan is the outcome of one reconciliation pass.
type Plan struct {
	Role      Role
	Host      string   // signaling id of the host, "" if unknown
	Originate []string // remote signaling ids to dial
	Close     []string // entries whose participant is gone
}

// Reconcile computes the actions that move the connection set toward one
// connection per remote participant. It is a pure function of its inputs, so
// the snapshot path and the poll path converge on the same set.
//
// Entries whose remote is absent from the snapshot are closed once they are
// older than grace; a younger inbound entry may belong to a participant whose
// presence record has not arrived yet.
func Reconcile(self presence.Participant, participants []presence.Participant, conns map[string]ConnInfo, grace time.Duration) Plan {
	ordered := Order(append(participants[:len(participants):len(participants)], self))
	plan := Plan{Role: RoleOf(self, ordered)}
	if len(ordered) > 0 {
		plan.Host = ordered[0].SignalingID
	}

	present := make(map[string]bool, len(ordered))
	for _, p := range ordered {
		present[p.SignalingID] = true
		if p.SignalingID == self.SignalingID {
			continue
		}
		if c, ok := conns[p.SignalingID]; ok && (c.Live || c.Stream) {
			continue
		}
		if ShouldOriginate(self, p) {
			plan.Originate = append(plan.Originate, p.SignalingID)
		}
	}

	for remote, c := range conns {
		if !present[remote] && c.Age >= grace {
			plan.Close = append(plan.Close, remote)
		}
	}
	sort.Strings(plan.Close)
	return plan
}
