package journal

import "github.com/corral-run/corral/pkg/contracts"

// Subscription receives future events in append order until unsubscribed.
// A slow subscriber that fills its buffer is dropped rather than allowed to
// block the appender.
type Subscription struct {
	id        uint64
	sessionID string // empty means all sessions
	ch        chan contracts.JournalEvent
	journal   *Journal
	closed    bool
}

// Events is the receive channel. It is closed on Unsubscribe or when the
// subscriber falls too far behind.
func (s *Subscription) Events() <-chan contracts.JournalEvent {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.journal.unsubscribe(s.id)
}

// Subscribe registers an observer for future events. sessionID filters to one
// session; pass "" to observe everything.
func (j *Journal) Subscribe(sessionID string) *Subscription {
	j.subMu.Lock()
	defer j.subMu.Unlock()

	j.nextID++
	sub := &Subscription{
		id:        j.nextID,
		sessionID: sessionID,
		ch:        make(chan contracts.JournalEvent, 256),
		journal:   j,
	}
	j.subs[sub.id] = sub
	return sub
}

func (j *Journal) unsubscribe(id uint64) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	if sub, ok := j.subs[id]; ok {
		delete(j.subs, id)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}

// fanOut delivers ev to matching subscribers. Full buffers drop the
// subscriber so a stuck reader disconnects only itself.
func (j *Journal) fanOut(ev contracts.JournalEvent) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for id, sub := range j.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(j.subs, id)
			sub.closed = true
			close(sub.ch)
		}
	}
}

func (j *Journal) closeAllSubs() {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for id, sub := range j.subs {
		delete(j.subs, id)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}
