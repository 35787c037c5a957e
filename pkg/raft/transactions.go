package raft

import (
	"time"

	"github.com/google/uuid"
)

type TransactionId string

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCommitted TransactionStatus = "committed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusUnknown   TransactionStatus = "unknown"
)

type TransactionRecord struct {
	Id          TransactionId     `json:"id"`
	Status      TransactionStatus `json:"status"`
	LogIndex    LogIndex          `json:"logIndex"`
	SubmittedAt time.Time         `json:"submittedAt"`
}

var transactionNamespace = uuid.MustParse("5b7ab4a6-0bb5-4d7e-9a0c-4c4f2b3d8e21")

// ContentTransactionId derives a transaction id from the content of a command,
// so that resubmitting the same command yields the same id.
func ContentTransactionId(data []byte) TransactionId {
	return TransactionId(uuid.NewSHA1(transactionNamespace, data).String())
}

// transactionCache stores transaction records up to a maximum size. When full,
// the oldest finished record is evicted; pending records are never evicted.
type transactionCache struct {
	maxSize int
	records map[TransactionId]*TransactionRecord
	order   []TransactionId
}

func newTransactionCache(maxSize int) *transactionCache {
	return &transactionCache{
		maxSize: maxSize,
		records: make(map[TransactionId]*TransactionRecord),
	}
}

func (c *transactionCache) Get(id TransactionId) (*TransactionRecord, bool) {
	record, found := c.records[id]
	return record, found
}

func (c *transactionCache) Add(record *TransactionRecord) {
	if _, found := c.records[record.Id]; !found {
		c.order = append(c.order, record.Id)
	}

	c.records[record.Id] = record

	c.evict()
}

func (c *transactionCache) Len() int {
	return len(c.records)
}

func (c *transactionCache) evict() {
	for i := 0; len(c.records) > c.maxSize && i < len(c.order); {
		id := c.order[i]

		record, found := c.records[id]
		if found && record.Status == TransactionStatusPending {
			i++
			continue
		}

		delete(c.records, id)
		c.order = append(c.order[:i], c.order[i+1:]...)
	}
}
