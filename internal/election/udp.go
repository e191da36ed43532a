package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDiscoveryPort is the UDP port discovery broadcasts use.
const DefaultDiscoveryPort = 8888

const (
	maxDatagramSize = 8 * 1024
	readPollPeriod  = 250 * time.Millisecond
)

// UDPTransport broadcasts discovery messages as JSON datagrams on the LAN.
type UDPTransport struct {
	conn      net.PacketConn
	broadcast *net.UDPAddr
	logger    zerolog.Logger
}

// ListenUDP binds the discovery port on all IPv4 interfaces. The port is
// shared, so a daemon and a one-shot command on the same host can both
// listen and each receives every broadcast. Port 0 picks an ephemeral port,
// which is only useful for receiving.
func ListenUDP(port int, logger zerolog.Logger) (*UDPTransport, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid discovery port %d", port)
	}
	lc := net.ListenConfig{Control: shareDiscoveryPort}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on discovery port %d: %w", port, err)
	}
	return &UDPTransport{
		conn:      conn,
		broadcast: &net.UDPAddr{IP: net.IPv4bcast, Port: port},
		logger:    logger.With().Str("component", "udp_discovery").Logger(),
	}, nil
}

// Broadcast sends msg to the LAN broadcast address.
func (t *UDPTransport) Broadcast(ctx context.Context, msg Message) error {
	msg.Protocol = Protocol
	msg.Version = ProtocolVersion
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode discovery message: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := t.conn.WriteTo(data, t.broadcast); err != nil {
		return fmt.Errorf("broadcast discovery message: %w", err)
	}
	return nil
}

// Receive waits for the next valid discovery datagram. Foreign or malformed
// datagrams are skipped.
func (t *UDPTransport) Receive(ctx context.Context) (Message, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		deadline := time.Now().Add(readPollPeriod)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return Message{}, err
		}

		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return Message{}, ErrTransportClosed
			}
			return Message{}, fmt.Errorf("read discovery datagram: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			t.logger.Debug().Err(err).Str("from", addr.String()).Msg("ignoring malformed datagram")
			continue
		}
		if msg.Protocol != Protocol || msg.Version != ProtocolVersion {
			continue
		}
		msg.From = addr.String()
		return msg, nil
	}
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
