package ice

import "time"

// TransactionList holds the two FIFO queues described in §4.2: prioritized
// (triggered checks, role-conflict retries, explicit "move to front")
// drained strictly before regular. Removal is soft — a Removed flag, not
// a slice delete — so indices stay stable while a caller is mid-iteration;
// Compact reclaims space for entries that are both removed and not
// retained for teardown inspection (§7's 437 resurrection).
type TransactionList struct {
	regular     []*Transaction
	prioritized []*Transaction
}

// NewTransactionList creates an empty list.
func NewTransactionList() *TransactionList {
	return &TransactionList{}
}

// Add appends t to the regular queue.
func (l *TransactionList) Add(t *Transaction) {
	l.regular = append(l.regular, t)
}

// AddPrioritized appends t to the prioritized queue.
func (l *TransactionList) AddPrioritized(t *Transaction) {
	l.prioritized = append(l.prioritized, t)
}

// MoveToFront removes t from the regular queue (if present) and pushes it
// onto the prioritized queue, used for triggered checks on an
// already-InProgress pair (§4.6).
func (l *TransactionList) MoveToFront(t *Transaction) {
	for i, r := range l.regular {
		if r == t {
			l.regular = append(l.regular[:i], l.regular[i+1:]...)
			break
		}
	}
	l.prioritized = append(l.prioritized, t)
}

// Next returns the next transaction, if any, whose GenerateData would
// produce a datagram right now: the prioritized queue is drained
// strictly before regular, and within a queue, insertion order is
// preserved (§4.2/§5).
func (l *TransactionList) Next(now time.Time) *Transaction {
	if t := nextReady(l.prioritized, now); t != nil {
		return t
	}
	return nextReady(l.regular, now)
}

func nextReady(q []*Transaction, now time.Time) *Transaction {
	for _, t := range q {
		if t.Removed {
			continue
		}
		if t.state != TransactionRunning {
			continue
		}
		if t.Keepalive {
			if !t.NextDue.IsZero() && now.Before(t.NextDue) {
				continue
			}
			return t
		}
		if t.Scheduler.IsTimedOut(now) || t.Scheduler.IsTimeToRetransmit(now) {
			return t
		}
	}
	return nil
}

// FindByID returns the non-removed transaction with the given transaction
// id, searching prioritized then regular, or nil.
func (l *TransactionList) FindByID(id [transactionIDLen]byte) *Transaction {
	if t := findByID(l.prioritized, id); t != nil {
		return t
	}
	return findByID(l.regular, id)
}

func findByID(q []*Transaction, id [transactionIDLen]byte) *Transaction {
	for _, t := range q {
		if !t.Removed && t.TransactionID == id {
			return t
		}
	}
	return nil
}

// Remove marks t as removed: FindByID, Next and All skip it from then on.
// Compact drops it unless t.retainedForTeardown is set; a retained entry
// stays in its queue and is surfaced through Retained for explicit
// resurrection lookups.
func (l *TransactionList) Remove(t *Transaction) {
	t.Removed = true
}

// Retained returns removed transactions still kept for 437 allocation-
// mismatch resurrection (§7/§12), matching by component id.
func (l *TransactionList) Retained(componentID int) []*Transaction {
	var out []*Transaction
	for _, t := range append(append([]*Transaction{}, l.prioritized...), l.regular...) {
		if t.Removed && t.retainedForTeardown && t.ComponentID == componentID {
			out = append(out, t)
		}
	}
	return out
}

// Compact drops removed, non-retained entries from both queues.
func (l *TransactionList) Compact() {
	l.regular = compactQueue(l.regular)
	l.prioritized = compactQueue(l.prioritized)
}

func compactQueue(q []*Transaction) []*Transaction {
	out := q[:0]
	for _, t := range q {
		if t.Removed && !t.retainedForTeardown {
			continue
		}
		out = append(out, t)
	}
	return out
}

// All returns every non-removed transaction across both queues, regular
// first. Used by teardown to enumerate outstanding TURN allocations.
func (l *TransactionList) All() []*Transaction {
	var out []*Transaction
	for _, t := range l.regular {
		if !t.Removed {
			out = append(out, t)
		}
	}
	for _, t := range l.prioritized {
		if !t.Removed {
			out = append(out, t)
		}
	}
	return out
}
