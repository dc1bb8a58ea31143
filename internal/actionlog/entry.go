package actionlog

import (
	"strings"
	"time"
)

// Kind is the entry type. Console kinds mirror the browser's severity names.
type Kind string

const (
	KindLog     Kind = "log"
	KindDebug   Kind = "debug"
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindTrace   Kind = "trace"

	KindNetworkRequest  Kind = "network-request"
	KindNetworkResponse Kind = "network-response"
)

// ConsoleKind maps an engine console type onto the fixed severity set.
// Anything unrecognised (dir, table, assert...) is folded into KindLog,
// except "assert" which is reported as an error.
func ConsoleKind(engineType string) Kind {
	switch strings.ToLower(strings.TrimSpace(engineType)) {
	case "debug":
		return KindDebug
	case "info":
		return KindInfo
	case "warning", "warn":
		return KindWarning
	case "error", "assert":
		return KindError
	case "trace":
		return KindTrace
	default:
		return KindLog
	}
}

// IsNetwork reports whether k belongs to the network stream.
func (k Kind) IsNetwork() bool {
	return k == KindNetworkRequest || k == KindNetworkResponse
}

// Entry is one captured event. Entries are immutable once appended.
type Entry struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"timestamp"`
	Kind Kind      `json:"type"`
	Text string    `json:"text"`

	// Console detail.
	Location string   `json:"location,omitempty"`
	Args     []string `json:"args,omitempty"`

	// Network detail.
	Method       string `json:"method,omitempty"`
	URL          string `json:"url,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Status       int    `json:"status,omitempty"`
	Failure      string `json:"failure,omitempty"`
}

func (e Entry) matchesText(needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(e.Text), needle) {
		return true
	}
	return e.URL != "" && strings.Contains(strings.ToLower(e.URL), needle)
}
