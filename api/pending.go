package api

import (
	"sync"
	"time"

	"filedrop/broker"
)

// PendingRequest is one inbound transfer request waiting for a decision.
type PendingRequest struct {
	TransferID string    `json:"transfer_id"`
	From       string    `json:"from"`
	FileCount  int       `json:"file_count"`
	TotalSize  int64     `json:"total_size"`
	ReceivedAt time.Time `json:"received_at"`
}

// PendingRequests queues inbound transfer requests until a human decides.
// It is the broker's notification gateway.
type PendingRequests struct {
	mu       sync.Mutex
	requests []PendingRequest
}

// NewPendingRequests creates an empty queue.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{}
}

// NotifyIncomingRequest enqueues a request. Called by the broker exactly once
// per transfer ID.
func (p *PendingRequests) NotifyIncomingRequest(request broker.IncomingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, PendingRequest{
		TransferID: request.TransferID,
		From:       request.From,
		FileCount:  request.FileCount,
		TotalSize:  request.TotalSize,
		ReceivedAt: time.Now(),
	})
}

// List returns the queued requests, oldest first.
func (p *PendingRequests) List() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]PendingRequest(nil), p.requests...)
}

// Remove drops the request for a transfer ID, reporting whether it was
// queued.
func (p *PendingRequests) Remove(transferID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, request := range p.requests {
		if request.TransferID == transferID {
			p.requests = append(p.requests[:i], p.requests[i+1:]...)
			return true
		}
	}
	return false
}

// PruneOlderThan drops requests received before the cutoff, returning how
// many were dropped.
func (p *PendingRequests) PruneOlderThan(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.requests[:0]
	dropped := 0
	for _, request := range p.requests {
		if request.ReceivedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, request)
	}
	p.requests = kept
	return dropped
}
