package storage

import (
	"errors"
	"testing"

	"filedrop/models"
)

func TestRecordAndGetTransfer(t *testing.T) {
	store := newTestStore(t)

	transfer := models.Transfer{
		TransferID:  "transfer-1",
		Direction:   models.DirectionSent,
		PeerName:    "FileShare-ab12",
		FileCount:   2,
		TotalSize:   4096,
		FinalStatus: "completed",
		StartedAt:   1000,
		ResolvedAt:  2000,
	}
	if err := store.RecordTransfer(transfer); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("transfer-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got != transfer {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, transfer)
	}
}

func TestGetTransferNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTransfer("transfer-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordTransferRejectsInvalidDirection(t *testing.T) {
	store := newTestStore(t)

	err := store.RecordTransfer(models.Transfer{
		TransferID: "transfer-1",
		Direction:  "sideways",
	})
	if err == nil {
		t.Fatal("expected an error for an invalid direction")
	}
}

func TestRecordTransferUpdatesFinalStatus(t *testing.T) {
	store := newTestStore(t)

	base := models.Transfer{
		TransferID:  "transfer-1",
		Direction:   models.DirectionReceived,
		PeerName:    "FileShare-ab12",
		FinalStatus: "declined",
		StartedAt:   1000,
		ResolvedAt:  2000,
	}
	if err := store.RecordTransfer(base); err != nil {
		t.Fatalf("first RecordTransfer failed: %v", err)
	}

	base.FinalStatus = "completed"
	base.ResolvedAt = 3000
	if err := store.RecordTransfer(base); err != nil {
		t.Fatalf("second RecordTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("transfer-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.FinalStatus != "completed" || got.ResolvedAt != 3000 {
		t.Fatalf("expected updated status, got %+v", got)
	}
}

func TestListRecentTransfersOrdersByResolution(t *testing.T) {
	store := newTestStore(t)

	for i, resolvedAt := range []int64{1000, 3000, 2000} {
		transfer := models.Transfer{
			TransferID:  []string{"transfer-a", "transfer-b", "transfer-c"}[i],
			Direction:   models.DirectionSent,
			PeerName:    "FileShare-ab12",
			FinalStatus: "completed",
			StartedAt:   resolvedAt,
			ResolvedAt:  resolvedAt,
		}
		if err := store.RecordTransfer(transfer); err != nil {
			t.Fatalf("RecordTransfer failed: %v", err)
		}
	}

	transfers, err := store.ListRecentTransfers(0)
	if err != nil {
		t.Fatalf("ListRecentTransfers failed: %v", err)
	}
	if len(transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(transfers))
	}
	wantOrder := []string{"transfer-b", "transfer-c", "transfer-a"}
	for i, want := range wantOrder {
		if transfers[i].TransferID != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, transfers[i].TransferID)
		}
	}
}

func TestListRecentTransfersHonorsLimit(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"transfer-a", "transfer-b", "transfer-c"} {
		if err := store.RecordTransfer(models.Transfer{
			TransferID:  id,
			Direction:   models.DirectionSent,
			FinalStatus: "completed",
		}); err != nil {
			t.Fatalf("RecordTransfer failed: %v", err)
		}
	}

	transfers, err := store.ListRecentTransfers(2)
	if err != nil {
		t.Fatalf("ListRecentTransfers failed: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
}
