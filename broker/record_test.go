package broker

import (
	"testing"
	"time"
)

func TestRecordStorePutDoesNotReplace(t *testing.T) {
	store := NewRecordStore()

	if !store.Put(Record{TransferID: "transfer-1", Status: StatusPending}) {
		t.Fatal("expected first put to succeed")
	}
	if store.Put(Record{TransferID: "transfer-1", Status: StatusAccepted}) {
		t.Fatal("expected duplicate put to be rejected")
	}

	record, _ := store.Get("transfer-1")
	if record.Status != StatusPending {
		t.Fatalf("expected original record to survive, got %q", record.Status)
	}
}

func TestRecordStoreUpdate(t *testing.T) {
	store := NewRecordStore()
	store.Put(Record{TransferID: "transfer-1", Status: StatusPending})

	updated, ok := store.Update("transfer-1", func(r *Record) {
		r.Status = StatusAcknowledged
		r.AttemptCount = 2
	})
	if !ok {
		t.Fatal("expected update to find the record")
	}
	if updated.Status != StatusAcknowledged || updated.AttemptCount != 2 {
		t.Fatalf("unexpected updated record %+v", updated)
	}

	if _, ok := store.Update("transfer-missing", func(r *Record) {}); ok {
		t.Fatal("expected update of a missing record to report false")
	}
}

func TestRecordStoreGetReturnsCopy(t *testing.T) {
	store := NewRecordStore()
	store.Put(Record{TransferID: "transfer-1", Status: StatusPending})

	record, _ := store.Get("transfer-1")
	record.Status = StatusDeclined

	fresh, _ := store.Get("transfer-1")
	if fresh.Status != StatusPending {
		t.Fatalf("expected stored record to be unaffected, got %q", fresh.Status)
	}
}

func TestRecordStorePruneOlderThan(t *testing.T) {
	store := NewRecordStore()
	now := time.Now()
	store.Put(Record{TransferID: "transfer-old", CreatedAt: now.Add(-time.Hour)})
	store.Put(Record{TransferID: "transfer-new", CreatedAt: now})

	removed := store.PruneOlderThan(now.Add(-time.Minute))
	if len(removed) != 1 || removed[0] != "transfer-old" {
		t.Fatalf("unexpected prune result %v", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 record left, got %d", store.Len())
	}
	if _, found := store.Get("transfer-new"); !found {
		t.Fatal("expected recent record to survive")
	}
}

func TestRecordTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		StatusPending:      false,
		StatusAcknowledged: false,
		StatusAccepted:     true,
		StatusDeclined:     true,
		StatusExpired:      true,
	} {
		record := Record{Status: status}
		if record.Terminal() != want {
			t.Fatalf("Terminal() for %q: expected %v", status, want)
		}
	}
}
