package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"filedrop/api"
	"filedrop/broker"
	"filedrop/config"
	"filedrop/discovery"
	"filedrop/payload"
	"filedrop/registry"
	"filedrop/session"
	"filedrop/storage"
	"filedrop/wire"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	ownIP, err := api.LocalIP()
	if err != nil {
		log.Fatalf("startup failed while resolving the local address: %v", err)
	}

	fmt.Printf("Device Name:      %s\n", cfg.DeviceName)
	fmt.Printf("Service Name:     %s\n", cfg.ServiceName)
	fmt.Printf("Local Address:    %s\n", ownIP)
	fmt.Printf("Negotiation Port: %d\n", cfg.NegotiationPort)
	fmt.Printf("HTTP Port:        %d\n", cfg.HTTPPort)
	fmt.Printf("Data Directory:   %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:    %s\n", dbPath)

	pending := api.NewPendingRequests()

	negotiator, err := broker.New(broker.Options{
		OwnName: cfg.DeviceName,
		ReturnAddress: wire.ReturnAddress{
			Host: ownIP,
			Port: cfg.NegotiationPort,
		},
		ListenAddress: fmt.Sprintf(":%d", cfg.NegotiationPort),
		Gateway:       pending,
		Seen:          store,
	})
	if err != nil {
		log.Fatalf("startup failed while creating the negotiation broker: %v", err)
	}
	if err := negotiator.Start(); err != nil {
		log.Fatalf("startup failed while starting the negotiation broker: %v", err)
	}
	defer negotiator.Stop()
	go logBrokerErrors(negotiator.Errors())

	coordinator, err := session.NewCoordinator(session.Options{
		Negotiator: negotiator,
		Payload:    payload.NewUploader(),
		History:    store,
	})
	if err != nil {
		log.Fatalf("startup failed while creating the transfer coordinator: %v", err)
	}
	go coordinator.Run(negotiator.Events())
	defer coordinator.Stop()

	peers := registry.New()

	discoveryService, err := discovery.Start(discovery.Config{
		SelfServiceName: cfg.ServiceName,
		DeviceName:      cfg.DeviceName,
		NegotiationPort: cfg.NegotiationPort,
		HTTPPort:        cfg.HTTPPort,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:        running")
		go feedRegistry(peers, discoveryService.Watcher.Events())
	}

	controlSurface, err := api.NewServer(api.Options{
		DeviceName:   cfg.DeviceName,
		Directory:    peers,
		Negotiator:   negotiator,
		Sessions:     coordinator,
		Pending:      pending,
		History:      store,
		UploadDir:    cfg.UploadDir,
		PeerHTTPPort: config.DefaultHTTPPort,
		TotalSize:    payload.TotalSize,
	})
	if err != nil {
		log.Fatalf("startup failed while creating the HTTP server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           controlSurface,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:           running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:           shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}

func feedRegistry(peers *registry.Registry, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerAppeared:
			if peers.OnPeerAppeared(event.Peer) {
				log.Printf("peer appeared: %s (%s)", event.Peer.Name, event.Peer.PrimaryAddress())
			}
		case discovery.EventPeerDisappeared:
			peers.OnPeerDisappeared(event.Peer.Name)
			log.Printf("peer disappeared: %s", event.Peer.Name)
		}
	}
}

func logBrokerErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("negotiation error: %v", err)
	}
}
