package broker

import (
	"sync"
	"time"

	"filedrop/wire"
)

// Record statuses. Transitions move only forward: Pending may become
// Acknowledged, and either may become Accepted, Declined, or Expired.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusAccepted     = "accepted"
	StatusDeclined     = "declined"
	StatusExpired      = "expired"
)

// Record directions relative to this device.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Record is one transfer negotiation in flight.
type Record struct {
	TransferID    string
	Direction     string
	From          string
	PeerName      string
	ReturnAddress wire.ReturnAddress
	FileCount     int
	TotalSize     int64

	Status        string
	CreatedAt     time.Time
	AttemptCount  int
	LastAttemptAt time.Time
	Acknowledged  bool
}

// Terminal reports whether the record reached a final status.
func (r Record) Terminal() bool {
	switch r.Status {
	case StatusAccepted, StatusDeclined, StatusExpired:
		return true
	}
	return false
}

// RecordStore holds all in-flight negotiation records under one mutex.
// Records are pruned once older than the retention window.
type RecordStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewRecordStore creates an empty record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]*Record),
	}
}

// Put inserts a record. Existing records with the same ID are not replaced.
func (s *RecordStore) Put(record Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.TransferID]; exists {
		return false
	}
	stored := record
	s.records[record.TransferID] = &stored
	return true
}

// Get returns a copy of the record and whether it exists.
func (s *RecordStore) Get(transferID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[transferID]
	if !exists {
		return Record{}, false
	}
	return *record, true
}

// Update applies fn to the record under the store lock and returns the
// updated copy. Returns false if no record exists.
func (s *RecordStore) Update(transferID string, fn func(*Record)) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[transferID]
	if !exists {
		return Record{}, false
	}
	fn(record)
	return *record, true
}

// Delete removes a record if present.
func (s *RecordStore) Delete(transferID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, transferID)
}

// PruneOlderThan removes records created before the cutoff and returns the
// IDs removed.
func (s *RecordStore) PruneOlderThan(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, record := range s.records {
		if record.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of records currently held.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
