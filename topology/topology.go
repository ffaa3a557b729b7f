// Package topology persists the bridge graph: which native channels belong to
// which bridge, per-bridge status, and a small KV area for adapter state.
//
// Storage is a single embedded sqlite file with WAL journaling and foreign-key
// enforcement. The (platform, native_id) unique index guarantees a channel
// belongs to at most one bridge. The repository holds a single database
// connection, so its queries run one at a time; reads do not proceed
// concurrently with each other or with writes.
package topology

import (
	"time"
)

// Status gates whether a bridge produces outbound traffic.
type Status string

const (
	StatusOn     Status = "on"
	StatusOff    Status = "off"
	StatusPaused Status = "paused"
)

// Valid reports whether s is a known bridge status.
func (s Status) Valid() bool {
	switch s {
	case StatusOn, StatusOff, StatusPaused:
		return true
	}
	return false
}

// Bridge is a named group of channels that relay messages to one another.
type Bridge struct {
	ID        string
	Name      string
	Status    Status
	CreatedAt time.Time
}

// Link is the hot-path answer for "is this native channel bridged, and is the
// bridge live".
type Link struct {
	BridgeID string
	Status   Status
}

// Channel is one native channel's membership in a bridge.
type Channel struct {
	Platform string
	NativeID string
	Config   map[string]string
	AddedAt  time.Time
}

// LinkParams carries the fields for LinkChannelToBridge.
type LinkParams struct {
	BridgeID string
	Platform string
	NativeID string
	Config   map[string]string
}
