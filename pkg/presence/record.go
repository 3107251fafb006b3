// Package presence maintains the ephemeral "who is connected right now"
// registry: a tracker that keeps one record per active session online and
// guarantees an offline write when the connection drops, and an aggregator
// that turns the registry into live counts.
package presence

import (
	"sort"
	"time"
)

// Role is the authenticated role of a session.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleOperator
}

// Profile carries the display fields copied into a presence record.
type Profile struct {
	DisplayName   string `json:"displayName"`
	ContactHandle string `json:"contactHandle"`
}

// Record is the presence entry for one identity. The registry is the system
// of record; a session only ever writes its own record.
type Record struct {
	Identity      string     `json:"identity" firestore:"identity"`
	Role          Role       `json:"role" firestore:"role"`
	DisplayName   string     `json:"displayName" firestore:"displayName"`
	ContactHandle string     `json:"contactHandle" firestore:"contactHandle"`
	Online        bool       `json:"online" firestore:"online"`
	LastSeenAt    time.Time  `json:"lastSeenAt" firestore:"lastSeenAt"`
	ConnectedAt   *time.Time `json:"connectedAt" firestore:"connectedAt"`
}

// online returns rec stamped as connected at ts.
func (rec Record) online(ts time.Time) Record {
	rec.Online = true
	rec.LastSeenAt = ts
	connected := ts
	rec.ConnectedAt = &connected
	return rec
}

// offline returns rec stamped as last seen at ts.
func (rec Record) offline(ts time.Time) Record {
	rec.Online = false
	rec.LastSeenAt = ts
	rec.ConnectedAt = nil
	return rec
}

// Summary is the live view computed from the registry.
type Summary struct {
	OperatorsOnline int       `json:"operatorsOnline"`
	AdminsOnline    int       `json:"adminsOnline"`
	Total           int       `json:"total"`
	Records         []Record  `json:"records"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Summarize keeps the online records, sorted by identity, and counts them by role.
func Summarize(records []Record, at time.Time) Summary {
	s := Summary{Records: make([]Record, 0, len(records)), UpdatedAt: at}
	for _, rec := range records {
		if !rec.Online {
			continue
		}
		s.Records = append(s.Records, rec)
		switch rec.Role {
		case RoleAdmin:
			s.AdminsOnline++
		case RoleOperator:
			s.OperatorsOnline++
		}
	}
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].Identity < s.Records[j].Identity })
	s.Total = len(s.Records)
	return s
}
