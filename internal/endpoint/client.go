package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/peerledger/txsync/internal/ledger"
	"github.com/peerledger/txsync/internal/model"
	"github.com/peerledger/txsync/internal/protocol"
)

var (
	// ErrTransport is a signaling connection failure.
	ErrTransport = errors.New("signaling transport failure")
	// ErrInvalidAmount means a negative amount was passed. Zero is legal;
	// it moves nothing but still lands in every ledger's applied set.
	ErrInvalidAmount = errors.New("amount must not be negative")
)

// Transport is a physical signaling channel. Two implementations exist: the
// relay-broadcast websocket and the direct peer channel negotiated through
// the same relay. The client depends only on this contract.
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg protocol.Message) error
	// Messages delivers incoming envelopes until the transport closes.
	Messages() <-chan protocol.Message
	Close() error
}

// Store persists applied transactions to the durable log.
type Store interface {
	Append(ctx context.Context, tx model.Transaction) error
}

// Client is the synchronization client for one endpoint. It owns the
// endpoint's ledger exclusively; the mutex serializes locally-created and
// remotely-received applications onto one logical timeline.
type Client struct {
	room      string
	transport Transport
	store     Store // nil disables persistence
	log       *zap.SugaredLogger

	mu     sync.Mutex
	ledger *ledger.Ledger
	peers  *protocol.PeerSet
}

// NewClient builds a client around a fresh ledger for the endpoint id.
func NewClient(id, room string, tr Transport, store Store, log *zap.SugaredLogger) *Client {
	return &Client{
		room:      room,
		transport: tr,
		store:     store,
		log:       log,
		ledger:    ledger.New(id),
		peers:     protocol.NewPeerSet(),
	}
}

func (c *Client) ID() string { return c.ledger.ID() }

func (c *Client) Balance() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Balance()
}

func (c *Client) AppliedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.AppliedCount()
}

func (c *Client) Peers() []string { return c.peers.List() }

// Run connects, joins the room and handles incoming messages until the
// context is canceled or the transport closes.
func (c *Client) Run(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer c.transport.Close()

	join := protocol.Message{
		MessageType: protocol.TypeJoin,
		RoomID:      c.room,
		PeerID:      c.ID(),
	}
	if err := c.transport.Send(join); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.transport.Messages():
			if !ok {
				return fmt.Errorf("%w: connection closed", ErrTransport)
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Client) handle(ctx context.Context, msg protocol.Message) {
	switch msg.MessageType {
	case protocol.TypeWelcome:
		c.log.Infof("%s connected to signaling", c.ID())
	case protocol.TypeRoomJoined:
		c.peers.Reset(msg.Peers)
		c.log.Infof("%s joined room %s with %d peers", c.ID(), msg.RoomID, len(msg.Peers))
	case protocol.TypePeerJoined, protocol.TypeConnected:
		if msg.PeerID != "" && c.peers.Add(msg.PeerID) {
			c.log.Infof("peer %s joined", msg.PeerID)
		}
	case protocol.TypePeerLeft, protocol.TypeDisconnected:
		if msg.PeerID != "" && c.peers.Remove(msg.PeerID) {
			c.log.Infof("peer %s left", msg.PeerID)
		}
	case protocol.TypeTransactionBroadcast, protocol.TypeTransactionP2P:
		if msg.Transaction == nil {
			c.log.Warnf("%s without transaction payload dropped", msg.MessageType)
			return
		}
		c.applyRemote(ctx, *msg.Transaction)
	case protocol.TypeError:
		// surface it, keep all peer and ledger state intact
		c.log.Warnf("%s received signaling error event", c.ID())
	default:
		c.log.Infof("ignoring unknown message type %q", msg.MessageType)
	}
}

func (c *Client) applyRemote(ctx context.Context, tx model.Transaction) {
	c.mu.Lock()
	applied, err := c.ledger.Apply(tx)
	c.mu.Unlock()
	if err != nil {
		c.log.Warnf("rejected transaction %s: %v", tx.ID, err)
		return
	}
	if applied {
		c.persist(ctx, tx)
	}
}

// SendTransaction creates a transfer to a peer, applies it locally and
// publishes it to the room. The ledger is untouched when the debit would
// overdraw.
func (c *Client) SendTransaction(ctx context.Context, to string, amount decimal.Decimal) (model.Transaction, error) {
	if amount.IsNegative() {
		return model.Transaction{}, ErrInvalidAmount
	}

	c.mu.Lock()
	tx := c.ledger.Create(to, amount)
	_, err := c.ledger.Apply(tx)
	c.mu.Unlock()
	if err != nil {
		return model.Transaction{}, err
	}

	c.persist(ctx, tx)
	msg := protocol.Message{
		MessageType: protocol.TypeTransaction,
		RoomID:      c.room,
		PeerID:      c.ID(),
		Transaction: &tx,
	}
	if err := c.transport.Send(msg); err != nil {
		// local state is already consistent; the caller decides on a retry
		return tx, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return tx, nil
}

// persist pushes an applied transaction to the durable log without blocking
// message handling. Failures are logged; the log is a historical view, the
// ledger stays authoritative for the session.
func (c *Client) persist(ctx context.Context, tx model.Transaction) {
	if c.store == nil {
		return
	}
	go func() {
		// detached from the caller so a canceled session does not lose the write
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.Append(pctx, tx); err != nil {
			c.log.Warnf("persist transaction %s: %v", tx.ID, err)
		}
	}()
}
