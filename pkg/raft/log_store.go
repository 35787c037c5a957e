package raft

// LogStore holds the replicated log in memory. It is not safe for concurrent
// use; the server protects it with its own mutex.
type LogStore struct {
	entries []LogEntry
}

func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) Open(entries []LogEntry) error {
	s.entries = make([]LogEntry, len(entries))
	copy(s.entries, entries)
	return nil
}

func (s *LogStore) Close() {
}

func (s *LogStore) Len() LogIndex {
	return LogIndex(len(s.entries))
}

// LastIndex returns the index of the last entry, or -1 if the log is empty.
func (s *LogStore) LastIndex() LogIndex {
	return LogIndex(len(s.entries)) - 1
}

func (s *LogStore) LastTerm() Term {
	nbEntries := len(s.entries)

	if nbEntries == 0 {
		return 0
	}

	return s.entries[nbEntries-1].Term
}

// Term returns the term of the entry at index. Index -1 designates the
// position before the first entry and has term 0.
func (s *LogStore) Term(index LogIndex) (Term, bool) {
	if index == -1 {
		return 0, true
	}

	if index < -1 || index >= s.Len() {
		return 0, false
	}

	return s.entries[index].Term, true
}

func (s *LogStore) Entry(index LogIndex) (LogEntry, bool) {
	if index < 0 || index >= s.Len() {
		return LogEntry{}, false
	}

	return s.entries[index], true
}

// EntriesFrom returns a copy of all entries starting at index.
func (s *LogStore) EntriesFrom(index LogIndex) []LogEntry {
	if index < 0 {
		index = 0
	}

	if index >= s.Len() {
		return nil
	}

	entries := make([]LogEntry, len(s.entries)-int(index))
	copy(entries, s.entries[index:])

	return entries
}

func (s *LogStore) Entries() []LogEntry {
	return s.EntriesFrom(0)
}

func (s *LogStore) AppendEntry(entry LogEntry) LogIndex {
	s.entries = append(s.entries, entry)
	return s.LastIndex()
}

// Merge stores entries starting at index. An existing entry conflicting with
// a new one (same index, different term) is deleted along with all entries
// following it. Entries already present are left untouched so that stale
// requests never truncate the log. Merge returns true if the log changed.
func (s *LogStore) Merge(index LogIndex, entries []LogEntry) bool {
	changed := false

	for i, entry := range entries {
		pos := index + LogIndex(i)

		if pos < s.Len() {
			if s.entries[pos].Term == entry.Term {
				continue
			}

			s.entries = s.entries[:pos]
		}

		s.entries = append(s.entries, entries[i:]...)
		changed = true
		break
	}

	return changed
}

// IsUpToDate reports whether a log ending with lastIndex/lastTerm is at least
// as up-to-date as this one.
func (s *LogStore) IsUpToDate(lastIndex LogIndex, lastTerm Term) bool {
	ourTerm := s.LastTerm()

	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}

	return lastIndex >= s.LastIndex()
}
