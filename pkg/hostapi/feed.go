package hostapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxorio/datacore/pkg/protocol"
)

// DefaultFeedSize is the number of notifications kept for polling clients
const DefaultFeedSize = 256

// Notification is one unsolicited worker frame as seen by API clients
type Notification struct {
	Seq        uint64          `json:"seq"`
	ReceivedAt int64           `json:"receivedAt"`
	Kind       protocol.Kind   `json:"kind"`
	Frame      json.RawMessage `json:"frame"`
}

// Feed is a fixed-size ring of recent notifications. Sequence numbers
// start at 1 and grow without gaps, so a client resumes with ?since=<last seq>.
type Feed struct {
	mu   sync.Mutex
	ring []Notification
	next uint64
	now  func() time.Time
}

// NewFeed creates a feed keeping the last size notifications
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{ring: make([]Notification, size), next: 1, now: time.Now}
}

// Add records msg. Frames that fail to encode are dropped.
func (f *Feed) Add(msg protocol.Message) {
	frame, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := Notification{Seq: f.next, ReceivedAt: f.now().UnixMilli(), Kind: msg.Kind(), Frame: frame}
	f.ring[int(f.next%uint64(len(f.ring)))] = n
	f.next++
}

// Since returns retained notifications with Seq > since, oldest first,
// and the latest sequence number.
func (f *Feed) Since(since uint64) ([]Notification, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	latest := f.next - 1
	oldest := uint64(1)
	if latest > uint64(len(f.ring)) {
		oldest = latest - uint64(len(f.ring)) + 1
	}
	if since+1 > oldest {
		oldest = since + 1
	}

	out := make([]Notification, 0)
	for seq := oldest; seq <= latest; seq++ {
		out = append(out, f.ring[int(seq%uint64(len(f.ring)))])
	}
	return out, latest
}
