// Package types defines the core domain model shared by mpdcore packages.
package types

import (
	"sort"
	"strings"
)

// JobID identifies a submitted job. IDs are assigned in submission order
// starting at 0; -1 means "no job".
type JobID int64

// NoJob is the sentinel JobID used before any job was submitted or finished.
const NoJob JobID = -1

// JobStatus describes where a job is in its lifecycle.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"  // queued, not yet picked by the executor
	StatusRunning  JobStatus = "running"  // currently executing
	StatusFinished JobStatus = "finished" // result stored (possibly nil)
	StatusUnknown  JobStatus = "unknown"  // never submitted
)

// JobStats is a point-in-time view of the job manager.
type JobStats struct {
	Pending       int   `json:"pending" yaml:"pending"`
	Running       bool  `json:"running" yaml:"running"`
	Results       int   `json:"results" yaml:"results"`
	LastSubmitted JobID `json:"last_submitted" yaml:"last_submitted"`
	LastFinished  JobID `json:"last_finished" yaml:"last_finished"`
}

// Mask is a bitset of change categories. The low bits mirror the server's
// idle subsystems; the high bits are synthetic categories produced by the
// client itself.
type Mask uint32

const (
	Database Mask = 1 << iota
	Update
	StoredPlaylist
	Queue
	Player
	Mixer
	Output
	Options
	Partition
	Sticker
	Subscription
	Message
	Neighbor
	Mount

	// StatusTimer is injected by the controller on a fixed interval while playing.
	StatusTimer Mask = 1 << 24
	// Connectivity fires when a connector connects or loses its connection.
	Connectivity Mask = 1 << 25
	// Error fires on protocol errors reported mid-session.
	Error Mask = 1 << 26

	// None is the empty mask.
	None Mask = 0
	// AllSubsystems covers every server-side subsystem.
	AllSubsystems Mask = Mount<<1 - 1
	// All matches every category, synthetic ones included.
	All Mask = AllSubsystems | StatusTimer | Connectivity | Error
)

// subsystemNames maps server subsystem names (as sent in "changed:" lines)
// to mask bits.
var subsystemNames = map[string]Mask{
	"database":        Database,
	"update":          Update,
	"stored_playlist": StoredPlaylist,
	"playlist":        Queue,
	"player":          Player,
	"mixer":           Mixer,
	"output":          Output,
	"options":         Options,
	"partition":       Partition,
	"sticker":         Sticker,
	"subscription":    Subscription,
	"message":         Message,
	"neighbor":        Neighbor,
	"mount":           Mount,
}

var syntheticNames = map[Mask]string{
	StatusTimer:  "status_timer",
	Connectivity: "connectivity",
	Error:        "error",
}

// ParseSubsystem returns the mask bit for a subsystem name, or None if the
// name is unknown.
func ParseSubsystem(name string) Mask {
	return subsystemNames[strings.ToLower(strings.TrimSpace(name))]
}

// ParseMask parses a comma or space separated list of category names.
// Unknown names are reported in the second return value.
func ParseMask(s string) (Mask, []string) {
	var m Mask
	var unknown []string
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	for _, f := range fields {
		f = strings.ToLower(f)
		if f == "all" {
			m |= All
			continue
		}
		if bit, ok := subsystemNames[f]; ok {
			m |= bit
			continue
		}
		found := false
		for bit, name := range syntheticNames {
			if name == f {
				m |= bit
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, f)
		}
	}
	return m, unknown
}

// Has reports whether m shares at least one bit with other.
func (m Mask) Has(other Mask) bool {
	return m&other != 0
}

// Names returns the category names set in m, sorted.
func (m Mask) Names() []string {
	var names []string
	for name, bit := range subsystemNames {
		if m&bit != 0 {
			names = append(names, name)
		}
	}
	for bit, name := range syntheticNames {
		if m&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m Mask) String() string {
	if m == None {
		return "none"
	}
	return strings.Join(m.Names(), "|")
}

// Event is a single notification delivered to registered handlers.
type Event struct {
	Mask Mask
	// Err is set for Error events and for Connectivity events caused by a failure.
	Err error
}

// ConnState is the lifecycle state of a connector.
type ConnState int32

const (
	Unconnected ConnState = iota
	ConnectedIdle
	ConnectedActive
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case ConnectedIdle:
		return "idle"
	case ConnectedActive:
		return "active"
	case Disconnecting:
		return "disconnecting"
	default:
		return "invalid"
	}
}
