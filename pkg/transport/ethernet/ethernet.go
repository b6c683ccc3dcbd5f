// Package ethernet implements the IP dispatcher: a TCP connection to the
// Ethernet access point, optionally through an SSH jump host.
package ethernet

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openSYDE/openSYDE-sub010/pkg/transport"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// maxPayload bounds a single datagram; the length prefix is 16 bits.
const maxPayload = 0xFFFF

// Config describes the access point.
type Config struct {
	Address     string        // host:port of the access point
	DialTimeout time.Duration
	Tunnel      *TunnelConfig // optional SSH jump host
}

// Dispatcher exchanges length-prefixed datagrams with the access point.
type Dispatcher struct {
	cfg    Config
	log    *logrus.Entry
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	tunnel *SSHTunnel
}

var _ transport.IPDispatcher = (*Dispatcher)(nil)

// New creates an unopened dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Dispatcher{cfg: cfg, log: util.WithField("access_point", cfg.Address)}
}

// Open connects to the access point, setting up the SSH tunnel first if one
// is configured.
func (d *Dispatcher) Open(ctx context.Context) error {
	addr := d.cfg.Address
	var tunnel *SSHTunnel
	if d.cfg.Tunnel != nil {
		var err error
		tunnel, err = NewSSHTunnel(*d.cfg.Tunnel, d.cfg.Address)
		if err != nil {
			return fmt.Errorf("opening tunnel: %w: %v", util.ErrIO, err)
		}
		addr = tunnel.LocalAddr()
		d.log.Debugf("tunnel via %s listening on %s", d.cfg.Tunnel.Host, addr)
	}

	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if tunnel != nil {
			tunnel.Close()
		}
		return fmt.Errorf("connecting to %s: %w: %v", d.cfg.Address, util.ErrNoResponse, err)
	}

	d.mu.Lock()
	d.conn = conn
	d.reader = bufio.NewReader(conn)
	d.tunnel = tunnel
	d.mu.Unlock()
	return nil
}

// Close closes the connection and the tunnel.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	if d.tunnel != nil {
		if terr := d.tunnel.Close(); terr != nil && err == nil {
			err = terr
		}
		d.tunnel = nil
	}
	return err
}

// Send writes one datagram.
func (d *Dispatcher) Send(ctx context.Context, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(payload), maxPayload)
	}
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send: %w: not connected", util.ErrIO)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}

	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("send: %w: %v", util.ErrIO, err)
	}
	return nil
}

// Receive blocks until a datagram arrives or ctx is done.
func (d *Dispatcher) Receive(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	conn, r := d.conn, d.reader
	d.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("receive: %w: not connected", util.ErrIO)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, d.readError(ctx, err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, d.readError(ctx, err)
	}
	return payload, nil
}

func (d *Dispatcher) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if ctxErr == context.DeadlineExceeded {
			return fmt.Errorf("receive: %w", util.ErrTimeout)
		}
		return ctxErr
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("receive: %w", util.ErrTimeout)
	}
	return fmt.Errorf("receive: %w: %v", util.ErrIO, err)
}
