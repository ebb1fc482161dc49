package models

// Transfer directions as stored in history.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Transfer is one completed or resolved transfer as kept in history.
type Transfer struct {
	TransferID  string `json:"transfer_id"`
	Direction   string `json:"direction"`
	PeerName    string `json:"peer_name"`
	FileCount   int    `json:"file_count"`
	TotalSize   int64  `json:"total_size"`
	FinalStatus string `json:"final_status"`
	StartedAt   int64  `json:"started_at"`
	ResolvedAt  int64  `json:"resolved_at"`
}
