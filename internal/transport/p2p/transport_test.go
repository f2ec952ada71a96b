package p2p

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peerledger/txsync/internal/model"
	"github.com/peerledger/txsync/internal/protocol"
	"github.com/peerledger/txsync/internal/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	hub := relay.NewHub(zap.NewNop().Sugar())
	r := mux.NewRouter()
	r.HandleFunc("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func joinRoom(t *testing.T, url, id string) *Transport {
	t.Helper()
	tr := New(url, "127.0.0.1:0", zap.NewNop().Sugar())
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	require.NoError(t, tr.Send(protocol.Message{
		MessageType: protocol.TypeJoin,
		RoomID:      "transaction-room",
		PeerID:      id,
	}))
	return tr
}

func waitFor(t *testing.T, tr *Transport, msgType string) protocol.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-tr.Messages():
			if msg.MessageType == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func TestDirectChannelEstablishment(t *testing.T) {
	url := startRelay(t)
	a := joinRoom(t, url, "endpoint-a")
	waitFor(t, a, protocol.TypeRoomJoined)
	b := joinRoom(t, url, "endpoint-b")
	waitFor(t, b, protocol.TypeRoomJoined)

	// b offered to a, a's listener accepted, both sides surface the channel
	got := waitFor(t, a, protocol.TypeConnected)
	require.Equal(t, "endpoint-b", got.PeerID)
	got = waitFor(t, b, protocol.TypeConnected)
	require.Equal(t, "endpoint-a", got.PeerID)
}

func TestTransactionOverDirectChannel(t *testing.T) {
	url := startRelay(t)
	a := joinRoom(t, url, "endpoint-a")
	waitFor(t, a, protocol.TypeRoomJoined)
	b := joinRoom(t, url, "endpoint-b")
	waitFor(t, a, protocol.TypeConnected)
	waitFor(t, b, protocol.TypeConnected)

	tx := &model.Transaction{
		ID:           "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee",
		FromEndpoint: "endpoint-a",
		ToEndpoint:   "endpoint-b",
		Amount:       decimal.NewFromInt(25),
		Timestamp:    time.Now().UnixMilli(),
		Signature:    "sig_0",
		Status:       model.StatusPending,
	}
	require.NoError(t, a.Send(protocol.Message{
		MessageType: protocol.TypeTransaction,
		Transaction: tx,
	}))

	got := waitFor(t, b, protocol.TypeTransactionP2P)
	require.NotNil(t, got.Transaction)
	require.Equal(t, tx.ID, got.Transaction.ID)
	require.True(t, tx.Amount.Equal(got.Transaction.Amount))
	require.Equal(t, "endpoint-a", got.FromPeer)
}

func TestChannelTeardown(t *testing.T) {
	url := startRelay(t)
	a := joinRoom(t, url, "endpoint-a")
	waitFor(t, a, protocol.TypeRoomJoined)
	b := joinRoom(t, url, "endpoint-b")
	waitFor(t, a, protocol.TypeConnected)
	waitFor(t, b, protocol.TypeConnected)

	require.NoError(t, b.Close())
	got := waitFor(t, a, protocol.TypeDisconnected)
	require.Equal(t, "endpoint-b", got.PeerID)
}

func TestEmitReleasedOnClose(t *testing.T) {
	tr := New("ws://unused", "127.0.0.1:0", zap.NewNop().Sugar())
	for i := 0; i < cap(tr.in); i++ {
		tr.in <- protocol.Message{MessageType: protocol.TypeWelcome}
	}

	released := make(chan struct{})
	go func() {
		tr.emit(protocol.Message{MessageType: protocol.TypeWelcome})
		close(released)
	}()

	// nobody is consuming, so the emit must park rather than drop
	select {
	case <-released:
		t.Fatal("emit returned with a full channel and no consumer")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tr.Close())
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("emit still blocked after Close")
	}
}
