package relay

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerledger/txsync/internal/protocol"
)

// Hub mediates signaling rooms. A room exists while it has members; clients
// only ever learn about membership through room-joined, peer-joined and
// peer-left events, never by reading room state directly.
type Hub struct {
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*session
}

type session struct {
	conn   *websocket.Conn
	send   chan protocol.Message
	roomID string
	peerID string
	closed bool // guarded by Hub.mu; send is closed exactly once
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*session),
	}
}

// HandleWS upgrades the connection and runs the session until the peer
// disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("upgrade: %v", err)
		return
	}
	s := &session{conn: conn, send: make(chan protocol.Message, 32)}
	go s.writePump(h.log)
	h.readPump(s)
}

func (s *session) writePump(log *zap.SugaredLogger) {
	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			log.Debugf("write to %s: %v", s.peerID, err)
			return
		}
	}
}

func (h *Hub) readPump(s *session) {
	defer h.drop(s)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			h.log.Warnf("discarding message from %q: %v", s.peerID, err)
			continue
		}
		h.dispatch(s, msg)
	}
}

func (h *Hub) dispatch(s *session, msg protocol.Message) {
	switch msg.MessageType {
	case protocol.TypeJoin:
		h.join(s, msg.RoomID, msg.PeerID)
	case protocol.TypeTransaction:
		h.broadcastTransaction(s, msg)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate,
		protocol.TypeTransactionP2P:
		h.route(s, msg)
	default:
		h.log.Infof("ignoring unknown message type %q from %q", msg.MessageType, s.peerID)
	}
}

func (h *Hub) join(s *session, roomID, peerID string) {
	if roomID == "" || peerID == "" {
		h.log.Warnf("join with empty room or peer id dropped")
		return
	}

	existing, oldRoom, oldPeer, ok := h.attach(s, roomID, peerID)
	if !ok {
		return
	}
	if oldRoom != "" {
		h.fanout(oldRoom, oldPeer, protocol.Message{
			MessageType: protocol.TypePeerLeft,
			RoomID:      oldRoom,
			PeerID:      oldPeer,
		})
		h.log.Infof("peer %s left room %s for room %s", oldPeer, oldRoom, roomID)
	}
	h.fanout(roomID, peerID, protocol.Message{
		MessageType: protocol.TypePeerJoined,
		RoomID:      roomID,
		PeerID:      peerID,
	})
	h.log.Infof("peer %s joined room %s (%d members)", peerID, roomID, len(existing)+1)
}

// attach registers the session under its room and peer id. A second join
// moves the session: the previous room sees a normal departure. A rejoin
// under an id that is already taken evicts the stale session.
func (h *Hub) attach(s *session, roomID, peerID string) (existing []string, oldRoom, oldPeer string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// a concurrent rejoin may have evicted this session already
	if s.closed {
		return nil, "", "", false
	}

	if s.roomID != "" && (s.roomID != roomID || s.peerID != peerID) {
		if prev := h.rooms[s.roomID]; prev[s.peerID] == s {
			delete(prev, s.peerID)
			if len(prev) == 0 {
				delete(h.rooms, s.roomID)
			}
			oldRoom, oldPeer = s.roomID, s.peerID
		}
	}

	room, found := h.rooms[roomID]
	if !found {
		room = make(map[string]*session)
		h.rooms[roomID] = room
	}
	existing = make([]string, 0, len(room))
	for id := range room {
		if id != peerID {
			existing = append(existing, id)
		}
	}
	if prev, taken := room[peerID]; taken && prev != s {
		h.closeSession(prev)
	}
	room[peerID] = s
	s.roomID, s.peerID = roomID, peerID
	s.send <- protocol.Message{MessageType: protocol.TypeWelcome}
	s.send <- protocol.Message{
		MessageType: protocol.TypeRoomJoined,
		RoomID:      roomID,
		Peers:       existing,
	}
	return existing, oldRoom, oldPeer, true
}

// closeSession shuts a session down. Caller holds h.mu; the closed flag
// keeps the single close of send safe against the session's own drop.
func (h *Hub) closeSession(s *session) {
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	s.conn.Close()
}

// broadcastTransaction rebroadcasts an incoming transaction to the rest of
// the sender's room as transaction-broadcast.
func (h *Hub) broadcastTransaction(s *session, msg protocol.Message) {
	if s.roomID == "" {
		h.log.Warnf("transaction before join dropped")
		return
	}
	if msg.Transaction == nil {
		h.log.Warnf("transaction message without payload from %q dropped", s.peerID)
		return
	}
	h.fanout(s.roomID, s.peerID, protocol.Message{
		MessageType: protocol.TypeTransactionBroadcast,
		RoomID:      s.roomID,
		FromPeer:    s.peerID,
		Transaction: msg.Transaction,
	})
}

// route forwards a targeted message to one peer in the sender's room,
// stamping from_peer. Negotiation payloads ride through untouched.
func (h *Hub) route(s *session, msg protocol.Message) {
	if s.roomID == "" || msg.TargetPeer == "" {
		h.log.Warnf("unroutable %s from %q dropped", msg.MessageType, s.peerID)
		return
	}
	// sends stay under h.mu so a concurrent drop cannot close the channel
	// mid-send; they are non-blocking, so the lock is held only briefly
	h.mu.Lock()
	defer h.mu.Unlock()
	target, ok := h.rooms[s.roomID][msg.TargetPeer]
	if !ok {
		h.log.Warnf("target peer %q not in room %q", msg.TargetPeer, s.roomID)
		return
	}
	msg.FromPeer = s.peerID
	select {
	case target.send <- msg:
	default:
		h.log.Warnf("dropping %s for slow peer %q", msg.MessageType, msg.TargetPeer)
	}
}

// fanout delivers a message to every room member except the originator.
func (h *Hub) fanout(roomID, except string, msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, member := range h.rooms[roomID] {
		if id == except {
			continue
		}
		select {
		case member.send <- msg:
		default:
			h.log.Warnf("dropping %s for slow peer %q", msg.MessageType, member.peerID)
		}
	}
}

// drop removes a closed session and notifies the remaining room members.
// An evicted session reaches here too; it is no longer the room's member
// for its id, so no departure is announced for it.
func (h *Hub) drop(s *session) {
	if !h.detach(s) {
		return
	}
	h.fanout(s.roomID, s.peerID, protocol.Message{
		MessageType: protocol.TypePeerLeft,
		RoomID:      s.roomID,
		PeerID:      s.peerID,
	})
	h.log.Infof("peer %s left room %s", s.peerID, s.roomID)
}

func (h *Hub) detach(s *session) (wasMember bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[s.roomID]
	if room[s.peerID] == s {
		delete(room, s.peerID)
		if len(room) == 0 {
			delete(h.rooms, s.roomID)
		}
		wasMember = true
	}
	h.closeSession(s)
	return wasMember && s.roomID != ""
}
