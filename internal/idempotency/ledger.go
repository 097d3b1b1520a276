// Package idempotency implements the Idempotency Ledger (C2):
// content-addressed dedup of submitted order intents with a 6h GC window
// and a 10s duplicate-suppression window. No teacher file dedups intents
// this way; the map+mutex shape follows feed.BookSnapshot's idiom, and the
// canonical-JSON hashing is necessarily stdlib (no example repo implements
// it — see DESIGN.md).
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusOK        Status = "ok"
	StatusError     Status = "error"
)

// Record is the spec.md §3 "Idempotency Record" entity.
type Record struct {
	Key          string
	Payload      map[string]any
	Status       Status
	Result       any
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}

type Ledger struct {
	mu          sync.Mutex
	records     map[string]*Record
	gcAge       time.Duration
	suppressWin time.Duration
	now         func() time.Time
}

func New(gcAge, suppressWindow time.Duration) *Ledger {
	if gcAge <= 0 {
		gcAge = 6 * time.Hour
	}
	if suppressWindow <= 0 {
		suppressWindow = 10 * time.Second
	}
	return &Ledger{
		records:     make(map[string]*Record),
		gcAge:       gcAge,
		suppressWin: suppressWindow,
		now:         time.Now,
	}
}

// MakeKey is SHA256(canonical-JSON(payload)), per spec.md §4.2.
func MakeKey(payload map[string]any) string {
	canon := canonicalJSON(payload)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(payload map[string]any) []byte {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, payload[k])
	}
	buf, _ := json.Marshal(ordered)
	return buf
}

func (l *Ledger) gcLocked() {
	cutoff := l.now().Add(-l.gcAge)
	for k, r := range l.records {
		if r.SubmittedAt.Before(cutoff) {
			delete(l.records, k)
		}
	}
}

// Seen returns the existing record for payload, if any, and whether a
// duplicate submission within the suppression window should be dropped.
func (l *Ledger) Seen(payload map[string]any) (rec *Record, suppress bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcLocked()
	key := MakeKey(payload)
	r, ok := l.records[key]
	if !ok {
		return nil, false
	}
	cp := *r
	suppress = l.now().Sub(r.SubmittedAt) < l.suppressWin
	return &cp, suppress
}

func (l *Ledger) MarkSubmitted(payload map[string]any) *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcLocked()
	key := MakeKey(payload)
	now := l.now()
	r := &Record{Key: key, Payload: payload, Status: StatusSubmitted, SubmittedAt: now, UpdatedAt: now}
	l.records[key] = r
	cp := *r
	return &cp
}

func (l *Ledger) MarkResultByKey(key string, ok bool, result any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, found := l.records[key]
	if !found {
		return
	}
	if ok {
		r.Status = StatusOK
	} else {
		r.Status = StatusError
	}
	r.Result = result
	r.UpdatedAt = l.now()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Snapshot returns every retained record, for persistence to
// state/idempotency-state.json.
func (l *Ledger) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	return out
}

// Restore repopulates the ledger from a prior Snapshot, then runs GC so a
// long-stopped process doesn't resurrect records past gcAge.
func (l *Ledger) Restore(records []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		cp := r
		l.records[r.Key] = &cp
	}
	l.gcLocked()
}
