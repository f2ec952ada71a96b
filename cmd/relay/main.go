package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/peerledger/txsync/internal/config"
	"github.com/peerledger/txsync/internal/logger"
	"github.com/peerledger/txsync/internal/relay"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	hub := relay.NewHub(log)

	r := mux.NewRouter()
	r.HandleFunc("/ws", hub.HandleWS)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UnixMilli(),
			"service":   "signaling-relay",
		})
	}).Methods(http.MethodGet)

	addr := fmt.Sprintf(":%d", cfg.Signaling.Port)
	log.Infof("signaling relay listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
