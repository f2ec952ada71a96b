// Package p2p is the direct peer channel transport. Membership and
// negotiation still ride through the signaling relay, but transactions flow
// peer to peer: an offer carries the offerer's channel address, the remote
// side dials it, and from then on envelopes travel over the direct channel
// as transaction-p2p. The relay never sees the payload traffic.
//
// To everything above it the transport looks exactly like the broadcast
// variant; connection lifecycle surfaces as webrtc-connected and
// webrtc-disconnected events feeding the same peer set.
package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerledger/txsync/internal/protocol"
)

// negotiationPayload is what this transport puts in the opaque offer and
// answer blobs. The relay and the protocol layer pass it through untouched.
type negotiationPayload struct {
	Addr string `json:"addr"`
}

// Transport negotiates direct channels through the relay at signalURL and
// exchanges transactions over them.
type Transport struct {
	signalURL  string
	listenAddr string
	log        *zap.SugaredLogger

	in   chan protocol.Message
	done chan struct{}

	mu       sync.Mutex
	peerID   string
	relay    *websocket.Conn
	listener net.Listener
	channels map[string]*peerChannel
	closed   bool
}

type peerChannel struct {
	peerID string
	conn   net.Conn

	mu  sync.Mutex
	enc *json.Encoder
}

func (pc *peerChannel) write(msg protocol.Message) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.enc.Encode(msg)
}

// New builds a transport that signals via the relay and accepts direct
// channels on listenAddr (use port 0 for an ephemeral port).
func New(signalURL, listenAddr string, log *zap.SugaredLogger) *Transport {
	return &Transport{
		signalURL:  signalURL,
		listenAddr: listenAddr,
		log:        log,
		in:         make(chan protocol.Message, 32),
		done:       make(chan struct{}),
		channels:   make(map[string]*peerChannel),
	}
}

// Connect opens the channel listener and the signaling connection.
func (t *Transport) Connect(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	relay, _, err := websocket.DefaultDialer.DialContext(ctx, t.signalURL, nil)
	if err != nil {
		ln.Close()
		return err
	}

	t.mu.Lock()
	t.listener = ln
	t.relay = relay
	t.mu.Unlock()

	go t.acceptLoop(ln)
	go t.signalLoop(relay)
	return nil
}

// Send accepts the client's outgoing envelopes. Transactions fan out over
// the direct channels; everything else is signaling and goes to the relay.
func (t *Transport) Send(msg protocol.Message) error {
	if msg.MessageType == protocol.TypeJoin {
		t.mu.Lock()
		t.peerID = msg.PeerID
		t.mu.Unlock()
	}
	if msg.MessageType != protocol.TypeTransaction {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.relay == nil {
			return errors.New("not connected")
		}
		return t.relay.WriteJSON(msg)
	}

	out := protocol.Message{
		MessageType: protocol.TypeTransactionP2P,
		FromPeer:    t.self(),
		Transaction: msg.Transaction,
	}
	var firstErr error
	for _, pc := range t.snapshot() {
		if err := pc.write(out); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) Messages() <-chan protocol.Message { return t.in }

// Close tears down the listener, the relay connection and every direct
// channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	ln, relay := t.listener, t.relay
	channels := make([]*peerChannel, 0, len(t.channels))
	for _, pc := range t.channels {
		channels = append(channels, pc)
	}
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if relay != nil {
		relay.Close()
	}
	for _, pc := range channels {
		pc.conn.Close()
	}
	return nil
}

func (t *Transport) self() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerID
}

func (t *Transport) snapshot() []*peerChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peerChannel, 0, len(t.channels))
	for _, pc := range t.channels {
		out = append(out, pc)
	}
	return out
}

// emit hands a message up to the client unless the transport is shutting
// down. The channel stays open for the transport's lifetime; multiple
// goroutines feed it, and Close releases any of them blocked here.
func (t *Transport) emit(msg protocol.Message) {
	select {
	case t.in <- msg:
	case <-t.done:
	}
}

// signalLoop handles relay traffic: membership for negotiation, negotiation
// itself, and pass-through of everything the client cares about.
func (t *Transport) signalLoop(relay *websocket.Conn) {
	for {
		_, data, err := relay.ReadMessage()
		if err != nil {
			if !t.isClosed() {
				t.log.Warnf("signaling read: %v", err)
				t.emit(protocol.Message{MessageType: protocol.TypeError})
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.log.Warnf("discarding message: %v", err)
			continue
		}

		switch msg.MessageType {
		case protocol.TypeRoomJoined:
			// the newcomer offers to every existing member; existing members
			// wait to be offered, so exactly one channel forms per pair
			for _, peer := range msg.Peers {
				t.offer(peer)
			}
			t.emit(protocol.Message{MessageType: protocol.TypeRoomJoined, RoomID: msg.RoomID})
		case protocol.TypePeerJoined:
			t.log.Infof("peer %s joined, awaiting its offer", msg.PeerID)
		case protocol.TypeOffer:
			t.answer(msg)
		case protocol.TypeAnswer:
			t.log.Infof("answer from %s", msg.FromPeer)
		case protocol.TypeICECandidate:
			// opaque; direct channels here need no candidates
		case protocol.TypePeerLeft:
			t.dropChannel(msg.PeerID)
		default:
			t.emit(msg)
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// offer advertises our channel address to one peer via the relay.
func (t *Transport) offer(peer string) {
	t.mu.Lock()
	relay, ln := t.relay, t.listener
	t.mu.Unlock()
	if relay == nil || ln == nil {
		return
	}
	payload, _ := json.Marshal(negotiationPayload{Addr: ln.Addr().String()})
	err := relay.WriteJSON(protocol.Message{
		MessageType: protocol.TypeOffer,
		TargetPeer:  peer,
		Offer:       payload,
	})
	if err != nil {
		t.log.Warnf("offer to %s: %v", peer, err)
	}
}

// answer dials the offerer's channel address and confirms via the relay.
func (t *Transport) answer(msg protocol.Message) {
	var payload negotiationPayload
	if err := json.Unmarshal(msg.Offer, &payload); err != nil || payload.Addr == "" {
		t.log.Warnf("unusable offer from %s dropped", msg.FromPeer)
		return
	}
	conn, err := net.Dial("tcp", payload.Addr)
	if err != nil {
		t.log.Warnf("dial %s at %s: %v", msg.FromPeer, payload.Addr, err)
		return
	}

	pc := &peerChannel{peerID: msg.FromPeer, conn: conn, enc: json.NewEncoder(conn)}
	// identify ourselves before anything else flows on the channel
	if err := pc.write(protocol.Message{MessageType: protocol.TypeJoin, PeerID: t.self()}); err != nil {
		conn.Close()
		return
	}
	t.register(pc)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	go t.readChannel(pc, scanner)

	t.mu.Lock()
	relay := t.relay
	t.mu.Unlock()
	if relay != nil {
		ack, _ := json.Marshal(negotiationPayload{Addr: conn.LocalAddr().String()})
		if err := relay.WriteJSON(protocol.Message{
			MessageType: protocol.TypeAnswer,
			TargetPeer:  msg.FromPeer,
			Answer:      ack,
		}); err != nil {
			t.log.Warnf("answer to %s: %v", msg.FromPeer, err)
		}
	}
}

// acceptLoop receives inbound channels from peers answering our offers.
func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.handshake(conn)
	}
}

// handshake reads the identifying join frame from an inbound channel.
func (t *Transport) handshake(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		conn.Close()
		return
	}
	hello, err := protocol.Decode(scanner.Bytes())
	if err != nil || hello.MessageType != protocol.TypeJoin || hello.PeerID == "" {
		t.log.Warnf("invalid channel handshake dropped")
		conn.Close()
		return
	}
	pc := &peerChannel{peerID: hello.PeerID, conn: conn, enc: json.NewEncoder(conn)}
	t.register(pc)
	t.readChannel(pc, scanner)
}

func (t *Transport) register(pc *peerChannel) {
	t.mu.Lock()
	if prev, ok := t.channels[pc.peerID]; ok {
		prev.conn.Close()
	}
	t.channels[pc.peerID] = pc
	closed := t.closed
	t.mu.Unlock()
	if closed {
		pc.conn.Close()
		return
	}
	t.emit(protocol.Message{MessageType: protocol.TypeConnected, PeerID: pc.peerID})
	t.log.Infof("direct channel to %s established", pc.peerID)
}

// readChannel pumps envelopes off a direct channel until it closes.
func (t *Transport) readChannel(pc *peerChannel, scanner *bufio.Scanner) {
	defer t.dropChannel(pc.peerID)
	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			t.log.Warnf("discarding channel message from %s: %v", pc.peerID, err)
			continue
		}
		if msg.MessageType != protocol.TypeTransactionP2P {
			t.log.Infof("ignoring %s on direct channel", msg.MessageType)
			continue
		}
		msg.FromPeer = pc.peerID
		t.emit(msg)
	}
}

func (t *Transport) dropChannel(peerID string) {
	t.mu.Lock()
	pc, ok := t.channels[peerID]
	if ok {
		delete(t.channels, peerID)
	}
	closed := t.closed
	t.mu.Unlock()
	if !ok {
		return
	}
	pc.conn.Close()
	if !closed {
		t.emit(protocol.Message{MessageType: protocol.TypeDisconnected, PeerID: peerID})
	}
}
