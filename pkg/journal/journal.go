// Package journal implements the append-only, hash-chained event log that
// backs every subsystem. Events are line-delimited JSON on disk; each record's
// hash_prev is the SHA-256 of the canonical JSON of its predecessor, so any
// contiguous slice can be re-verified offline.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/canonical"
	"github.com/corral-run/corral/pkg/contracts"
)

// Emitter is the write side of the journal. Subsystems that only append
// events depend on this interface.
type Emitter interface {
	Emit(sessionID, eventType string, payload map[string]any) (*contracts.JournalEvent, error)
}

// Event type names emitted by the journal itself.
const (
	EventDiskWarning  = "journal.disk_warning"
	EventDiskCritical = "journal.disk_critical"
)

// Options configures a Journal.
type Options struct {
	// Fsync forces an fsync after every append. Defaults to true.
	Fsync bool
	// WarnThreshold and CriticalThreshold are free-disk byte levels. At
	// warn the journal emits journal.disk_warning; at critical it emits
	// journal.disk_critical and rejects further appends until space frees.
	WarnThreshold     uint64
	CriticalThreshold uint64
	// FreeSpace samples available disk bytes for the journal's volume.
	// Nil disables disk-pressure checks.
	FreeSpace func(path string) (uint64, error)
	// Clock overrides time for deterministic tests.
	Clock func() time.Time
}

// Journal is a file-backed, hash-chained event log with live fan-out.
type Journal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	opts     Options
	prevSeq  uint64
	prevHash string // hash of the previous event's canonical JSON

	subMu  sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// Open opens (or creates) the journal file and resumes the chain state from
// the last record on disk.
func Open(path string, opts Options) (*Journal, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	j := &Journal{
		path:     path,
		file:     f,
		opts:     opts,
		prevHash: canonical.ZeroHash,
		subs:     make(map[uint64]*Subscription),
	}
	if err := j.resume(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

// resume replays the tail of the file to restore prevSeq and prevHash.
func (j *Journal) resume() error {
	var last *contracts.JournalEvent
	err := j.scan(func(ev contracts.JournalEvent) bool {
		e := ev
		last = &e
		return true
	})
	if err != nil {
		return err
	}
	if last != nil {
		j.prevSeq = last.Seq
		h, err := canonical.Hash(last)
		if err != nil {
			return fmt.Errorf("journal: hash tail: %w", err)
		}
		j.prevHash = h
	}
	return nil
}

// Emit appends a new event. On write failure the in-memory chain state is not
// advanced and the caller must treat the failure as fatal for the triggering
// operation.
func (j *Journal) Emit(sessionID, eventType string, payload map[string]any) (*contracts.JournalEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkDiskLocked(eventType); err != nil {
		return nil, err
	}

	ev := contracts.JournalEvent{
		EventID:   uuid.New().String(),
		Timestamp: j.opts.Clock().UTC().Truncate(time.Millisecond),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		Seq:       j.prevSeq + 1,
		HashPrev:  j.prevHash,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("journal: append: %w", err)
	}
	if j.opts.Fsync {
		if err := j.file.Sync(); err != nil {
			return nil, fmt.Errorf("journal: fsync: %w", err)
		}
	}

	nextHash, err := canonical.Hash(ev)
	if err != nil {
		return nil, fmt.Errorf("journal: hash: %w", err)
	}
	j.prevSeq = ev.Seq
	j.prevHash = nextHash

	j.fanOut(ev)
	return &ev, nil
}

// checkDiskLocked samples free space and emits pressure events. Critical
// pressure rejects the append itself (the pressure event is still written so
// operators see the transition).
func (j *Journal) checkDiskLocked(eventType string) error {
	if j.opts.FreeSpace == nil || j.opts.CriticalThreshold == 0 {
		return nil
	}
	if eventType == EventDiskWarning || eventType == EventDiskCritical {
		return nil // pressure events themselves always pass
	}
	free, err := j.opts.FreeSpace(j.path)
	if err != nil {
		return nil // sampling failure must not block the journal
	}
	if free < j.opts.CriticalThreshold {
		j.appendPressureLocked(EventDiskCritical, free)
		return fmt.Errorf("journal: disk critical: %d bytes free", free)
	}
	if j.opts.WarnThreshold > 0 && free < j.opts.WarnThreshold {
		j.appendPressureLocked(EventDiskWarning, free)
	}
	return nil
}

func (j *Journal) appendPressureLocked(eventType string, free uint64) {
	ev := contracts.JournalEvent{
		EventID:   uuid.New().String(),
		Timestamp: j.opts.Clock().UTC().Truncate(time.Millisecond),
		SessionID: "",
		Type:      eventType,
		Payload:   map[string]any{"free_bytes": free},
		Seq:       j.prevSeq + 1,
		HashPrev:  j.prevHash,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return
	}
	if h, err := canonical.Hash(ev); err == nil {
		j.prevSeq = ev.Seq
		j.prevHash = h
	}
	j.fanOut(ev)
}

// ReadOptions filters a session read.
type ReadOptions struct {
	Offset int
	Limit  int
}

// ReadSession returns the events for a session in append order. The file is
// streamed line by line; only the requested window is materialized.
func (j *Journal) ReadSession(sessionID string, opts ReadOptions) ([]contracts.JournalEvent, error) {
	var out []contracts.JournalEvent
	skipped := 0
	err := j.scan(func(ev contracts.JournalEvent) bool {
		if ev.SessionID != sessionID {
			return true
		}
		if skipped < opts.Offset {
			skipped++
			return true
		}
		out = append(out, ev)
		return opts.Limit <= 0 || len(out) < opts.Limit
	})
	return out, err
}

// Scan streams every event on disk to fn in append order; fn returns false to
// stop early.
func (j *Journal) Scan(fn func(contracts.JournalEvent) bool) error {
	return j.scan(fn)
}

func (j *Journal) scan(fn func(contracts.JournalEvent) bool) error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: read: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev contracts.JournalEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("journal: corrupt record: %w", err)
		}
		if !fn(ev) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("journal: scan: %w", err)
	}
	return nil
}

// IntegrityReport is the result of a full chain verification.
type IntegrityReport struct {
	Valid          bool   `json:"valid"`
	Events         int    `json:"events"`
	FirstBrokenSeq uint64 `json:"first_broken_seq,omitempty"`
}

// VerifyIntegrity re-reads the file and recomputes every hash_prev from its
// predecessor's canonical JSON.
func (j *Journal) VerifyIntegrity() (IntegrityReport, error) {
	report := IntegrityReport{Valid: true}
	prevHash := canonical.ZeroHash
	err := j.scan(func(ev contracts.JournalEvent) bool {
		report.Events++
		if ev.HashPrev != prevHash {
			report.Valid = false
			report.FirstBrokenSeq = ev.Seq
			return false
		}
		h, err := canonical.Hash(ev)
		if err != nil {
			report.Valid = false
			report.FirstBrokenSeq = ev.Seq
			return false
		}
		prevHash = h
		return true
	})
	if err != nil {
		return report, err
	}
	return report, nil
}

// Seq returns the sequence number of the last appended event.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.prevSeq
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeAllSubs()
	return j.file.Close()
}
