package wire

import (
	"fmt"
	"net"
	"time"

	"github.com/orbitalio/constellation/pkg/log"
	"github.com/rs/zerolog"
)

// maxDatagramSize bounds a single receive buffer.
const maxDatagramSize = 64 * 1024

// Transport is an unreliable, connectionless datagram channel (spec §4.B).
// Send is fire-and-forget; Receive is a timeout-bounded blocking call.
// Senders drop on buffer-full rather than retry; there is no backpressure
// beyond that.
type Transport struct {
	conn   *net.UDPConn
	logger zerolog.Logger
}

// Listen binds a UDP transport to addr (host:port).
func Listen(addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Transport{conn: conn, logger: log.WithComponent("wire")}, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Close releases the underlying socket.
func (t *Transport) Close() error { return t.conn.Close() }

// Send fire-and-forgets a message to dest. Failures are logged, never
// returned to a caller that would retry (spec §4.C: "Send failures are
// silent; the suspect timer drives liveness").
func (t *Transport) Send(dest string, msg Message) {
	raw, err := msg.Encode()
	if err != nil {
		t.logger.Debug().Err(err).Str("kind", msg.Header.Kind.String()).Msg("encode failed, dropping")
		return
	}

	udpAddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		t.logger.Debug().Err(err).Str("dest", dest).Msg("resolve failed, dropping")
		return
	}

	if _, err := t.conn.WriteToUDP(raw, udpAddr); err != nil {
		t.logger.Debug().Err(err).Str("dest", dest).Msg("send failed, dropping")
	}
}

// Received is a decoded message plus the address it arrived from.
type Received struct {
	Message Message
	From    string
}

// Receive blocks for up to timeout waiting for one datagram. A zero
// duration blocks forever. Malformed frames are dropped silently (not
// returned as an error) so the caller's receive loop keeps running.
func (t *Transport) Receive(timeout time.Duration) (*Received, error) {
	if timeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, maxDatagramSize)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}

	msg, decErr := Decode(buf[:n])
	if decErr != nil {
		t.logger.Debug().Err(decErr).Str("from", addr.String()).Msg("dropping malformed frame")
		return nil, nil
	}

	return &Received{Message: msg, From: addr.String()}, nil
}
