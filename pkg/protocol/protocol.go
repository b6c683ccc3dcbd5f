// Package protocol is the boundary between the update sequencer and the
// device diagnostic protocols. Drivers implement Native and Legacy on top of
// a transport.Set; byte framing is entirely the driver's business.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openSYDE/openSYDE-sub010/pkg/hexfile"
	"github.com/openSYDE/openSYDE-sub010/pkg/routing"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
)

// ErrUnsupported is returned by drivers for services a device does not offer.
var ErrUnsupported = fmt.Errorf("service not supported: %w", errors.ErrUnsupported)

// Address identifies a node on a bus: bus id and node id.
type Address struct {
	Bus  uint8
	Node uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d", a.Bus, a.Node)
}

// Target is everything a driver needs to reach one node.
type Target struct {
	Node    int              // topology index
	Name    string           // node name
	Address Address          // address on the final bus
	BusType topology.BusType // type of the final bus
	Route   routing.Route    // gateways in front of the node
}

// Routed reports whether the target sits behind at least one gateway.
func (t Target) Routed() bool {
	return len(t.Route) > 0
}

// FlashBlock describes one application present on a native device.
type FlashBlock struct {
	Name         string
	Version      string
	BuildDate    string
	StartAddress uint32
	EndAddress   uint32
	Valid        bool
}

// FlashloaderInfo is the flashloader metadata of a native device.
type FlashloaderInfo struct {
	Version                   string
	ProtocolVersion           string
	SerialNumber              string
	MaxBlockLength            int
	EthernetToEthernetRouting bool
	FileBased                 bool
	Security                  bool
	Fingerprint               bool
}

// NativeInfo is the device information read from a native device.
type NativeInfo struct {
	DeviceName  string
	FlashBlocks []FlashBlock
	Flashloader FlashloaderInfo
}

// ChecksumArea is one checksum-protected memory range of a legacy device.
type ChecksumArea struct {
	Start    uint32
	End      uint32
	Checksum uint32
	Valid    bool
}

// LegacyInfo is the device information read from a legacy device.
type LegacyInfo struct {
	DeviceID           string
	FlashloaderVersion string
	ProtocolVersion    string
	SerialNumber       string
	ChecksumAreas      []ChecksumArea
}

// Fingerprint is written to a device after a successful firmware update.
type Fingerprint struct {
	Time time.Time
	User string
	Tool string
}

// Native drives devices that speak the native flashloader protocol.
type Native interface {
	// Broadcasts on the local access bus.
	BroadcastRequestProgramming(ctx context.Context) error
	BroadcastECUReset(ctx context.Context) error
	BroadcastEnterPreProgramming(ctx context.Context) error

	// Routing through the target's gateway chain.
	StartRouting(ctx context.Context, t Target) error
	StopRouting(ctx context.Context, t Target) error

	// Session control.
	RequestProgramming(ctx context.Context, t Target) error
	ECUReset(ctx context.Context, t Target) error
	EnterPreProgrammingSession(ctx context.Context, t Target) error
	EnterProgrammingSession(ctx context.Context, t Target) error

	// Device information.
	ReadDeviceName(ctx context.Context, t Target) (string, error)
	ReadFlashBlocks(ctx context.Context, t Target) ([]FlashBlock, error)
	ReadFlashloaderInfo(ctx context.Context, t Target) (FlashloaderInfo, error)

	// Area based transfer. RequestDownload returns the maximum block length.
	RequestDownload(ctx context.Context, t Target, address uint32, size uint32) (int, error)
	TransferData(ctx context.Context, t Target, seq uint8, data []byte) error
	RequestTransferExit(ctx context.Context, t Target) error

	// File based transfer, finished with RequestTransferExit.
	RequestFileTransfer(ctx context.Context, t Target, name string, size uint32) (int, error)

	WriteNVM(ctx context.Context, t Target, address uint32, data []byte) error
	WriteSecurityKey(ctx context.Context, t Target, pem []byte) error
	WriteSecurityActivation(ctx context.Context, t Target, enabled bool) error
	WriteDebuggerActivation(ctx context.Context, t Target, enabled bool) error
	WriteFingerprint(ctx context.Context, t Target, fp Fingerprint) error

	Reset(ctx context.Context, t Target) error
}

// ProgressFunc receives legacy flashloader progress; returning false aborts.
type ProgressFunc func(percent int, msg string) bool

// Legacy drives devices that speak the legacy flashloader protocol. Legacy
// devices are addressed directly on the access bus or through native gateways
// with routing started by the Native driver.
type Legacy interface {
	// BroadcastFlash sends the flash request until devices have had time
	// to enter their flashloader.
	BroadcastFlash(ctx context.Context, duration time.Duration) error
	BroadcastReset(ctx context.Context) error
	Wakeup(ctx context.Context, t Target) error
	ReadInfo(ctx context.Context, t Target) (LegacyInfo, error)
	Flash(ctx context.Context, t Target, img *hexfile.Image, progress ProgressFunc) error
	Reset(ctx context.Context, t Target) error
}
