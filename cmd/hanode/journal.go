package main

import (
	"sync"
	"time"

	"github.com/galdor/go-ha/pkg/raft"
)

// Journal records committed transactions in the order they are applied. A
// transaction id is applied at most once, even if the log contains it
// several times after a failed submission was retried.
type Journal struct {
	maxSize int

	mu      sync.RWMutex
	entries map[raft.TransactionId]JournalEntry
	order   []raft.TransactionId
}

type JournalEntry struct {
	Index         raft.LogIndex      `json:"index"`
	Term          raft.Term          `json:"term"`
	TransactionId raft.TransactionId `json:"transactionId"`
	Data          string             `json:"data"`
	SubmittedAt   time.Time          `json:"submittedAt"`
	AppliedAt     time.Time          `json:"appliedAt"`
}

func NewJournal(maxSize int) *Journal {
	j := Journal{
		maxSize: maxSize,
		entries: make(map[raft.TransactionId]JournalEntry),
	}

	return &j
}

func (j *Journal) Apply(index raft.LogIndex, entry raft.LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, found := j.entries[entry.TransactionId]; found {
		return nil
	}

	j.entries[entry.TransactionId] = JournalEntry{
		Index:         index,
		Term:          entry.Term,
		TransactionId: entry.TransactionId,
		Data:          string(entry.Data),
		SubmittedAt:   entry.Timestamp,
		AppliedAt:     time.Now().UTC(),
	}

	j.order = append(j.order, entry.TransactionId)

	if j.maxSize > 0 && len(j.order) > j.maxSize {
		delete(j.entries, j.order[0])
		j.order = j.order[1:]
	}

	return nil
}

func (j *Journal) Get(id raft.TransactionId) (JournalEntry, bool) {
	j.mu.RLock()
	entry, found := j.entries[id]
	j.mu.RUnlock()

	return entry, found
}

// Last returns the n most recently applied entries, most recent first.
func (j *Journal) Last(n int) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n = min(n, len(j.order))

	entries := make([]JournalEntry, 0, n)
	for i := len(j.order) - 1; i >= len(j.order)-n; i-- {
		entries = append(entries, j.entries[j.order[i]])
	}

	return entries
}
