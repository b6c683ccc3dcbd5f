// Package slcan implements a CAN dispatcher for serial-line CAN adapters
// speaking the Lawicel ASCII protocol.
package slcan

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/openSYDE/openSYDE-sub010/pkg/transport"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// bitrateCodes maps CAN bitrates (kbit/s) to the adapter's Sn setup codes.
var bitrateCodes = map[int]string{
	10: "S0", 20: "S1", 50: "S2", 100: "S3", 125: "S4",
	250: "S5", 500: "S6", 800: "S7", 1000: "S8",
}

// Config describes the serial adapter.
type Config struct {
	Port        string        // e.g. /dev/ttyACM0
	Baud        int           // serial line speed
	Bitrate     int           // CAN bitrate in kbit/s
	ReadTimeout time.Duration // serial read timeout
}

// openPort is replaced in tests.
var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// Dispatcher is a CAN dispatcher on top of an SLCAN serial adapter.
type Dispatcher struct {
	cfg    Config
	log    *logrus.Entry
	mu     sync.Mutex
	port   io.ReadWriteCloser
	reader *bufio.Reader
}

var _ transport.CANDispatcher = (*Dispatcher)(nil)

// New creates an unopened dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = 500
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	return &Dispatcher{cfg: cfg, log: util.WithField("port", cfg.Port)}
}

// Open opens the serial port, sets the bitrate and opens the CAN channel.
func (d *Dispatcher) Open(ctx context.Context) error {
	code, ok := bitrateCodes[d.cfg.Bitrate]
	if !ok {
		return util.NewConfigErrorf("unsupported CAN bitrate %d kbit/s", d.cfg.Bitrate)
	}

	port, err := openPort(&serial.Config{
		Name:        d.cfg.Port,
		Baud:        d.cfg.Baud,
		ReadTimeout: d.cfg.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w: %v", d.cfg.Port, util.ErrIO, err)
	}

	d.mu.Lock()
	d.port = port
	d.reader = bufio.NewReader(port)
	d.mu.Unlock()

	// Close any channel left open by a previous run before configuring.
	for _, cmd := range []string{"C", code, "O"} {
		if err := d.command(cmd); err != nil {
			port.Close()
			return err
		}
	}
	d.log.Debugf("SLCAN channel open at %d kbit/s", d.cfg.Bitrate)
	return nil
}

// Close closes the CAN channel and the serial port.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	_, _ = d.port.Write([]byte("C\r"))
	err := d.port.Close()
	d.port = nil
	return err
}

// Send writes one frame.
func (d *Dispatcher) Send(ctx context.Context, f transport.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := Encode(f)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return fmt.Errorf("send: %w: port not open", util.ErrIO)
	}
	if _, err := d.port.Write([]byte(line)); err != nil {
		return fmt.Errorf("send: %w: %v", util.ErrIO, err)
	}
	d.log.Tracef("tx %s", f)
	return nil
}

// Receive blocks until a frame arrives. Adapter status replies are skipped.
func (d *Dispatcher) Receive(ctx context.Context) (transport.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return transport.Frame{}, err
		}
		line, err := d.readLine()
		if err != nil {
			if err == io.EOF {
				continue
			}
			return transport.Frame{}, err
		}
		if line == "" || (line[0] != 't' && line[0] != 'T') {
			continue
		}
		f, err := Decode(line)
		if err != nil {
			d.log.Warnf("dropping malformed frame %q: %v", line, err)
			continue
		}
		d.log.Tracef("rx %s", f)
		return f, nil
	}
}

func (d *Dispatcher) readLine() (string, error) {
	d.mu.Lock()
	r := d.reader
	d.mu.Unlock()
	if r == nil {
		return "", fmt.Errorf("receive: %w: port not open", util.ErrIO)
	}
	line, err := r.ReadString('\r')
	if err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", fmt.Errorf("receive: %w: %v", util.ErrIO, err)
	}
	return line[:len(line)-1], nil
}

// command sends a setup command and expects the adapter's CR acknowledgement.
func (d *Dispatcher) command(cmd string) error {
	if _, err := d.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("slcan %s: %w: %v", cmd, util.ErrIO, err)
	}
	b, err := d.reader.ReadByte()
	if err != nil {
		return fmt.Errorf("slcan %s: %w: %v", cmd, util.ErrNoResponse, err)
	}
	if b == '\a' && cmd != "C" {
		return fmt.Errorf("slcan %s: adapter rejected command: %w", cmd, util.ErrIO)
	}
	return nil
}

// Encode renders a frame as an SLCAN line including the trailing CR.
func Encode(f transport.Frame) (string, error) {
	if len(f.Data) > 8 {
		return "", fmt.Errorf("frame %03X: %d data bytes exceed 8", f.ID, len(f.Data))
	}
	var s string
	if f.Extended {
		if f.ID > 0x1FFFFFFF {
			return "", fmt.Errorf("extended id %X out of range", f.ID)
		}
		s = fmt.Sprintf("T%08X%d", f.ID, len(f.Data))
	} else {
		if f.ID > 0x7FF {
			return "", fmt.Errorf("standard id %X out of range", f.ID)
		}
		s = fmt.Sprintf("t%03X%d", f.ID, len(f.Data))
	}
	return s + fmt.Sprintf("%X", f.Data) + "\r", nil
}

// Decode parses an SLCAN frame line without its trailing CR.
func Decode(line string) (transport.Frame, error) {
	if len(line) < 1 {
		return transport.Frame{}, fmt.Errorf("empty line")
	}
	var f transport.Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
		f.Extended = true
	default:
		return f, fmt.Errorf("not a data frame: %q", line)
	}
	if len(line) < 1+idLen+1 {
		return f, fmt.Errorf("short frame %q", line)
	}

	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return f, fmt.Errorf("bad id in %q: %w", line, err)
	}
	f.ID = uint32(id)

	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return f, fmt.Errorf("bad length in %q", line)
	}
	payload := line[2+idLen:]
	if len(payload) < dlc*2 {
		return f, fmt.Errorf("frame %q shorter than length %d", line, dlc)
	}
	f.Data, err = hex.DecodeString(payload[:dlc*2])
	if err != nil {
		return f, fmt.Errorf("bad data in %q: %w", line, err)
	}
	return f, nil
}
