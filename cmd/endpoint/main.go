package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerledger/txsync/internal/config"
	"github.com/peerledger/txsync/internal/endpoint"
	"github.com/peerledger/txsync/internal/gateway"
	"github.com/peerledger/txsync/internal/logger"
	"github.com/peerledger/txsync/internal/transport/p2p"
	"github.com/peerledger/txsync/internal/transport/ws"
)

func main() {
	id := flag.String("id", "", "endpoint id (random uuid when empty)")
	transportKind := flag.String("transport", "ws", "signaling transport: ws or p2p")
	flag.Parse()

	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	endpointID := *id
	if endpointID == "" {
		endpointID = "endpoint-" + uuid.NewString()[:8]
	}

	var transport endpoint.Transport
	switch *transportKind {
	case "ws":
		transport = ws.New(cfg.Signaling.URL, log)
	case "p2p":
		transport = p2p.New(cfg.Signaling.URL, cfg.P2P.Listen, log)
	default:
		log.Fatalf("unknown transport %q", *transportKind)
	}

	store := gateway.NewClient(cfg.Gateway.URL)
	client := endpoint.NewClient(endpointID, cfg.Signaling.Room, transport, store, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- client.Run(ctx) }()

	log.Infof("endpoint %s joined room %s via %s", endpointID, cfg.Signaling.Room, *transportKind)
	fmt.Println("commands: send <peer> <amount> | balance | peers | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case err := <-errc:
			log.Fatalf("client stopped: %v", err)
		default:
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "send":
			if len(fields) != 3 {
				fmt.Println("usage: send <peer> <amount>")
				continue
			}
			amount, err := decimal.NewFromString(fields[2])
			if err != nil {
				fmt.Printf("bad amount: %v\n", err)
				continue
			}
			tx, err := client.SendTransaction(ctx, fields[1], amount)
			if err != nil {
				fmt.Printf("send failed: %v\n", err)
				continue
			}
			fmt.Printf("sent %s -> %s amount=%s id=%s\n", tx.FromEndpoint, tx.ToEndpoint, tx.Amount, tx.ID)
		case "balance":
			fmt.Printf("balance: %s\n", client.Balance())
		case "peers":
			fmt.Printf("peers: %v\n", client.Peers())
		case "quit":
			return
		default:
			fmt.Println("commands: send <peer> <amount> | balance | peers | quit")
		}
	}
}
