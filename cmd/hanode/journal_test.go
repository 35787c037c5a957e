package main

import (
	"testing"
	"time"

	"github.com/galdor/go-ha/pkg/raft"
	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
)

func testEntry(id raft.TransactionId, data string) raft.LogEntry {
	return raft.LogEntry{
		Term:          1,
		TransactionId: id,
		Data:          []byte(data),
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func journalIds(entries []JournalEntry) []raft.TransactionId {
	ids := make([]raft.TransactionId, len(entries))
	for i, entry := range entries {
		ids[i] = entry.TransactionId
	}

	return ids
}

func TestJournalApply(t *testing.T) {
	assert := assert.New(t)

	j := NewJournal(10)

	assert.NoError(j.Apply(0, testEntry("tx-1", "a")))
	assert.NoError(j.Apply(1, testEntry("tx-2", "b")))

	// A retried submission is committed twice but applied once
	assert.NoError(j.Apply(2, testEntry("tx-1", "a")))

	entry, found := j.Get("tx-1")
	if assert.True(found) {
		assert.Equal(raft.LogIndex(0), entry.Index)
		assert.Equal("a", entry.Data)
		assert.Equal(raft.Term(1), entry.Term)
		assert.False(entry.AppliedAt.IsZero())
	}

	_, found = j.Get("tx-3")
	assert.False(found)

	if diff := deep.Equal(journalIds(j.Last(10)),
		[]raft.TransactionId{"tx-2", "tx-1"}); diff != nil {
		t.Error(diff)
	}
}

func TestJournalEviction(t *testing.T) {
	assert := assert.New(t)

	j := NewJournal(3)

	for i, id := range []raft.TransactionId{"tx-1", "tx-2", "tx-3", "tx-4", "tx-5"} {
		assert.NoError(j.Apply(raft.LogIndex(i), testEntry(id, "x")))
	}

	_, found := j.Get("tx-2")
	assert.False(found)

	if diff := deep.Equal(journalIds(j.Last(10)),
		[]raft.TransactionId{"tx-5", "tx-4", "tx-3"}); diff != nil {
		t.Error(diff)
	}

	if diff := deep.Equal(journalIds(j.Last(2)),
		[]raft.TransactionId{"tx-5", "tx-4"}); diff != nil {
		t.Error(diff)
	}

	assert.Empty(j.Last(0))
}
