// Package api exposes the local control surface: device listing, transfer
// initiation and decisions, and the upload endpoint peers deliver payloads to.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"filedrop/broker"
	"filedrop/models"
	"filedrop/session"
)

// MaxUploadMemory bounds how much of a multipart upload is buffered in
// memory before spilling to disk.
const MaxUploadMemory = 32 << 20

// PeerDirectory lists currently visible peers.
type PeerDirectory interface {
	ListPeers() []models.Peer
	GetPeer(name string) (models.Peer, bool)
}

// Negotiation is the decision side of the transfer protocol.
type Negotiation interface {
	RespondTransfer(transferID string, accepted bool) error
	GetRecord(transferID string) (broker.Record, bool)
}

// TransferSessions is the outbound transfer surface.
type TransferSessions interface {
	SendFiles(peerName, peerAddr, destination string, files []string, totalSize int64) (string, error)
	Cancel(transferID string) error
	Dismiss(transferID string) error
	Sessions() []session.Session
}

// HistoryStore persists and lists resolved transfers.
type HistoryStore interface {
	RecordTransfer(transfer models.Transfer) error
	ListRecentTransfers(limit int) ([]models.Transfer, error)
}

// Options configures a Server.
type Options struct {
	DeviceName string
	Directory  PeerDirectory
	Negotiator Negotiation
	Sessions   TransferSessions
	Pending    *PendingRequests
	// History is optional.
	History HistoryStore
	// UploadDir receives payload files from peers.
	UploadDir string
	// PeerHTTPPort is the port peers serve uploads on.
	PeerHTTPPort int
	// TotalSize sums the on-disk sizes of payload files before a send.
	TotalSize func(files []string) (int64, error)
}

// Server is the local HTTP control surface.
type Server struct {
	options Options
	router  chi.Router
}

// NewServer creates a server with validated configuration.
func NewServer(options Options) (*Server, error) {
	if options.Directory == nil {
		return nil, errors.New("peer directory is required")
	}
	if options.Negotiator == nil {
		return nil, errors.New("negotiator is required")
	}
	if options.Sessions == nil {
		return nil, errors.New("transfer sessions are required")
	}
	if options.Pending == nil {
		return nil, errors.New("pending request queue is required")
	}
	if options.UploadDir == "" {
		return nil, errors.New("upload directory is required")
	}
	if options.PeerHTTPPort <= 0 {
		return nil, errors.New("peer HTTP port is required")
	}
	if options.TotalSize == nil {
		return nil, errors.New("total size function is required")
	}

	s := &Server{options: options}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/devices", s.handleListDevices)
	router.Get("/ip", s.handleLocalIP)
	router.Get("/requests", s.handleListRequests)
	router.Get("/sessions", s.handleListSessions)
	router.Delete("/sessions/{transferID}", s.handleDismissSession)
	router.Get("/transfers", s.handleListTransfers)
	router.Post("/transfers", s.handleSendFiles)
	router.Post("/transfers/{transferID}/respond", s.handleRespond)
	router.Post("/transfers/{transferID}/cancel", s.handleCancel)
	router.Post("/upload", s.handleUpload)

	s.router = router
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options.Directory.ListPeers())
}

func (s *Server) handleLocalIP(w http.ResponseWriter, r *http.Request) {
	ip, err := LocalIP()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ip":          ip,
		"device_name": s.options.DeviceName,
	})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options.Pending.List())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options.Sessions.Sessions())
}

func (s *Server) handleDismissSession(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	if err := s.options.Sessions.Dismiss(transferID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, session.ErrUnknownSession) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	if s.options.History == nil {
		writeJSON(w, http.StatusOK, []models.Transfer{})
		return
	}
	transfers, err := s.options.History.ListRecentTransfers(0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

type sendFilesRequest struct {
	Peer  string   `json:"peer"`
	Files []string `json:"files"`
}

func (s *Server) handleSendFiles(w http.ResponseWriter, r *http.Request) {
	var body sendFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Peer == "" || len(body.Files) == 0 {
		writeError(w, http.StatusBadRequest, "peer and files are required")
		return
	}

	peer, found := s.options.Directory.GetPeer(body.Peer)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown peer %q", body.Peer))
		return
	}
	address := peer.PrimaryAddress()
	if address == "" {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("peer %q has no reachable address", body.Peer))
		return
	}

	totalSize, err := s.options.TotalSize(body.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Peers announce their upload port over mDNS; older ones that do not are
	// assumed to sit on the standard port.
	uploadPort := peer.HTTPPort
	if uploadPort <= 0 {
		uploadPort = s.options.PeerHTTPPort
	}
	peerAddr := net.JoinHostPort(address, fmt.Sprintf("%d", peer.Port))
	destination := fmt.Sprintf("http://%s/upload", net.JoinHostPort(address, fmt.Sprintf("%d", uploadPort)))

	transferID, err := s.options.Sessions.SendFiles(body.Peer, peerAddr, destination, body.Files, totalSize)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"transfer_id": transferID})
}

type respondRequest struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")

	var body respondRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.options.Negotiator.RespondTransfer(transferID, body.Accepted); err != nil {
		switch {
		case errors.Is(err, broker.ErrUnknownTransfer):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, broker.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.options.Pending.Remove(transferID)

	if !body.Accepted {
		s.recordInboundOutcome(transferID, "declined")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	if err := s.options.Sessions.Cancel(transferID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrUnknownSession) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpload receives the payload for an approved inbound transfer.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	transferID := r.URL.Query().Get("transferId")
	if transferID == "" {
		writeError(w, http.StatusBadRequest, "transferId query parameter is required")
		return
	}

	record, found := s.options.Negotiator.GetRecord(transferID)
	if !found || record.Direction != broker.DirectionInbound {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown transfer %q", transferID))
		return
	}
	if record.Status != broker.StatusAccepted {
		writeError(w, http.StatusForbidden, fmt.Sprintf("transfer %q is not accepted", transferID))
		return
	}

	if err := r.ParseMultipartForm(MaxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files in upload")
		return
	}

	saved := make([]string, 0, len(headers))
	for _, header := range headers {
		name, err := s.saveUploadedFile(header)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		saved = append(saved, name)
	}

	s.recordInboundOutcome(transferID, "completed")
	writeJSON(w, http.StatusOK, map[string]any{"saved": saved})
}

func (s *Server) saveUploadedFile(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open uploaded file %q: %w", header.Filename, err)
	}
	defer src.Close()

	name := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(header.Filename))
	dst, err := os.Create(filepath.Join(s.options.UploadDir, name))
	if err != nil {
		return "", fmt.Errorf("create %q: %w", name, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("save %q: %w", name, err)
	}
	return name, nil
}

// recordInboundOutcome writes a received transfer's outcome to history.
func (s *Server) recordInboundOutcome(transferID, finalStatus string) {
	if s.options.History == nil {
		return
	}

	record, found := s.options.Negotiator.GetRecord(transferID)
	if !found {
		return
	}
	now := time.Now().UnixMilli()
	transfer := models.Transfer{
		TransferID:  transferID,
		Direction:   models.DirectionReceived,
		PeerName:    record.From,
		FileCount:   record.FileCount,
		TotalSize:   record.TotalSize,
		FinalStatus: finalStatus,
		StartedAt:   record.CreatedAt.UnixMilli(),
		ResolvedAt:  now,
	}
	if err := s.options.History.RecordTransfer(transfer); err != nil {
		log.Printf("Failed to record received transfer %q: %v", transferID, err)
	}
}

// LocalIP reports the first non-loopback IPv4 address of this host.
func LocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("no non-loopback IPv4 address found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
