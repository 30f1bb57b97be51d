package deadlinks

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Record describes a channel whose link negotiation keeps failing. Records
// are diagnostic only: a channel stays resolvable and its next request will
// retry normally; the tracker just makes repeat offenders visible on the
// status endpoint.
type Record struct {
	ChannelID   int64     `json:"channelId"`
	Name        string    `json:"name"`
	Failures    int       `json:"failures"` // consecutive failed negotiations
	LastFailure time.Time `json:"lastFailure"`
	LastError   string    `json:"lastError"`
}

// Tracker keeps per-channel negotiation failure records in a concurrent map.
// All methods are safe for concurrent use by request handlers.
type Tracker struct {
	records *xsync.MapOf[int64, Record]
}

func New() *Tracker {
	return &Tracker{
		records: xsync.NewMapOf[int64, Record](),
	}
}

// MarkFailed records one exhausted negotiation for the channel, bumping the
// consecutive failure count.
func (t *Tracker) MarkFailed(id int64, name string, reason error) {
	t.records.Compute(id, func(old Record, loaded bool) (Record, bool) {
		rec := Record{
			ChannelID:   id,
			Name:        name,
			Failures:    1,
			LastFailure: time.Now(),
		}
		if loaded {
			rec.Failures = old.Failures + 1
		}
		if reason != nil {
			rec.LastError = reason.Error()
		}
		return rec, false
	})
}

// MarkResolved clears the record for a channel after a successful
// negotiation, so only consecutive failures accumulate.
func (t *Tracker) MarkResolved(id int64) {
	t.records.Delete(id)
}

// Len returns the number of channels currently carrying a failure record.
func (t *Tracker) Len() int {
	return t.records.Size()
}

// Snapshot returns a copy of all records, worst offenders first.
func (t *Tracker) Snapshot() []Record {
	out := make([]Record, 0, t.records.Size())
	t.records.Range(func(_ int64, rec Record) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Failures != out[j].Failures {
			return out[i].Failures > out[j].Failures
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}
