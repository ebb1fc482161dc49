package models

// Peer represents a currently reachable discovered device.
type Peer struct {
	Name      string   `json:"name"`
	Host      string   `json:"host"`
	Addresses []string `json:"addresses"`
	Port      int      `json:"port"`
	// HTTPPort is the peer's upload endpoint port as announced over mDNS.
	// Zero when the peer did not announce one.
	HTTPPort int `json:"http_port"`
}

// PrimaryAddress returns the first known network address, or empty.
func (p Peer) PrimaryAddress() string {
	if len(p.Addresses) == 0 {
		return ""
	}
	return p.Addresses[0]
}
