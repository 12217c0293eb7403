package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/raftkv/raftdb/pkg/api"
	"github.com/raftkv/raftdb/pkg/logstore"
	"github.com/raftkv/raftdb/pkg/raft"
	"github.com/raftkv/raftdb/pkg/store"
	"github.com/raftkv/raftdb/pkg/transport"
)

func main() {
	nodeID := flag.String("id", "", "Node ID")
	addr := flag.String("addr", "", "Raft transport listen address (e.g., localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "Comma-separated list of peer addresses (id1=addr1,id2=addr2)")
	dataDir := flag.String("data", "", "Data directory for the store and log")
	flag.Parse()

	if *nodeID == "" || *addr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	peerAddrs := make(map[string]string)
	if *peers != "" {
		for _, peer := range strings.Split(*peers, ",") {
			parts := strings.SplitN(peer, "=", 2)
			if len(parts) == 2 && parts[0] != *nodeID {
				peerAddrs[parts[0]] = parts[1]
			}
		}
	}

	dir := *dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/raftdb-%s", *nodeID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	log.Printf("starting raftdb node %s", *nodeID)
	log.Printf("raft address: %s", *addr)
	log.Printf("http address: %s", *httpAddr)
	log.Printf("peers: %v", peerAddrs)
	log.Printf("data dir: %s", dir)

	st, err := store.OpenBoltStore(dir + "/store.db")
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	ls, err := logstore.Open(dir + "/log")
	if err != nil {
		log.Fatalf("failed to open log store: %v", err)
	}

	tr := transport.NewTCPTransport(log.Default())

	cfg := raft.DefaultConfig(*nodeID, *addr)
	cfg.Peers = peerAddrs

	node, err := raft.New(cfg, st, ls, tr)
	if err != nil {
		log.Fatalf("failed to build raft node: %v", err)
	}
	if err := node.Start(); err != nil {
		log.Fatalf("failed to start raft node: %v", err)
	}

	apiServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewServer(node, log.Default()),
	}

	go func() {
		log.Printf("http api listening on %s", *httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	apiServer.Shutdown(ctx)
	node.Stop()
	ls.Close()
	st.Close()

	log.Println("shutdown complete")
}
