package election

import (
	"context"
	"errors"
	"sync"
)

// Protocol identifies discovery datagrams of this system.
const Protocol = "dlicense-discovery"

// ProtocolVersion is the current discovery message version.
const ProtocolVersion = 1

// MessageType is the kind of a discovery message.
type MessageType string

const (
	MessageAnnounce MessageType = "announce"
	MessageResponse MessageType = "response"
	MessageClaim    MessageType = "claim"
)

// Message is one discovery datagram.
type Message struct {
	Protocol    string      `json:"proto"`
	Version     int         `json:"v"`
	Type        MessageType `json:"type"`
	TokenID     string      `json:"token_id"`
	DeviceID    string      `json:"device_id"`
	Startup     int64       `json:"startup"`
	Holder      bool        `json:"holder,omitempty"`
	SessionPort int         `json:"session_port,omitempty"`
	// Nonce identifies the sending elector instance so a device can drop
	// its own broadcasts.
	Nonce string `json:"nonce"`

	// From is the sender address, filled in by the transport.
	From string `json:"-"`
}

// ErrTransportClosed is returned by a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport is an unreliable broadcast channel for discovery messages.
// Messages may be lost, duplicated or reordered.
type Transport interface {
	Broadcast(ctx context.Context, msg Message) error
	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// MemoryNetwork connects in-process transports, delivering every broadcast
// to every member including the sender.
type MemoryNetwork struct {
	mu      sync.Mutex
	members map[*MemoryTransport]struct{}
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{members: make(map[*MemoryTransport]struct{})}
}

// Join adds a new transport to the network.
func (n *MemoryNetwork) Join() *MemoryTransport {
	t := &MemoryTransport{
		network: n,
		inbox:   make(chan Message, 64),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.members[t] = struct{}{}
	n.mu.Unlock()
	return t
}

// Inject delivers msg to every member as if a remote device had sent it.
func (n *MemoryNetwork) Inject(msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for m := range n.members {
		m.deliver(msg)
	}
}

func (n *MemoryNetwork) leave(t *MemoryTransport) {
	n.mu.Lock()
	delete(n.members, t)
	n.mu.Unlock()
}

// MemoryTransport is a member of a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	inbox   chan Message
	closed  chan struct{}
	once    sync.Once
}

// Broadcast delivers msg to all members. Full inboxes drop the message.
func (t *MemoryTransport) Broadcast(ctx context.Context, msg Message) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg.From = "memory"
	t.network.Inject(msg)
	return nil
}

func (t *MemoryTransport) deliver(msg Message) {
	select {
	case t.inbox <- msg:
	default:
	}
}

// Receive waits for the next message.
func (t *MemoryTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closed:
		return Message{}, ErrTransportClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close removes the transport from its network.
func (t *MemoryTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.network.leave(t)
	})
	return nil
}

// NoopTransport never sends or receives anything. It is used when LAN
// discovery is disabled, which makes every election a single-device one.
type NoopTransport struct{}

// Broadcast discards msg.
func (NoopTransport) Broadcast(context.Context, Message) error { return nil }

// Receive blocks until ctx is done.
func (NoopTransport) Receive(ctx context.Context) (Message, error) {
	<-ctx.Done()
	return Message{}, ctx.Err()
}

// Close does nothing.
func (NoopTransport) Close() error { return nil }

// LazyTransport opens its underlying transport on first use, so commands
// that never run an election never bind the discovery port.
type LazyTransport struct {
	open   func() (Transport, error)
	mu     sync.Mutex
	t      Transport
	closed bool
}

// NewLazyTransport returns a transport that calls open on the first
// Broadcast or Receive. A failed open is retried on the next call.
func NewLazyTransport(open func() (Transport, error)) *LazyTransport {
	return &LazyTransport{open: open}
}

func (l *LazyTransport) get() (Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrTransportClosed
	}
	if l.t == nil {
		t, err := l.open()
		if err != nil {
			return nil, err
		}
		l.t = t
	}
	return l.t, nil
}

// Opened reports whether the underlying transport has been opened.
func (l *LazyTransport) Opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t != nil
}

// Broadcast opens the transport if needed and sends msg.
func (l *LazyTransport) Broadcast(ctx context.Context, msg Message) error {
	t, err := l.get()
	if err != nil {
		return err
	}
	return t.Broadcast(ctx, msg)
}

// Receive opens the transport if needed and waits for the next message.
func (l *LazyTransport) Receive(ctx context.Context) (Message, error) {
	t, err := l.get()
	if err != nil {
		return Message{}, err
	}
	return t.Receive(ctx)
}

// Close closes the underlying transport if it was opened.
func (l *LazyTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.t == nil {
		return nil
	}
	return l.t.Close()
}
