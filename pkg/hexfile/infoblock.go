package hexfile

import (
	"bytes"
	"fmt"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Device information block layout:
//
//	magic   "DEVICE_INFO_BLK" (15 bytes)
//	version 1 byte
//	name    28 bytes, NUL padded
const (
	InfoBlockMagic   = "DEVICE_INFO_BLK"
	InfoBlockVersion = 1
	DeviceNameLength = 28
)

// InfoBlock is the identity record the build tooling links into firmware.
type InfoBlock struct {
	Version    byte
	DeviceName string
	Address    uint32
}

// EncodeInfoBlock returns the raw bytes of an information block for name.
func EncodeInfoBlock(name string) ([]byte, error) {
	if len(name) > DeviceNameLength {
		return nil, fmt.Errorf("device name %q longer than %d bytes", name, DeviceNameLength)
	}
	b := make([]byte, 0, len(InfoBlockMagic)+1+DeviceNameLength)
	b = append(b, InfoBlockMagic...)
	b = append(b, InfoBlockVersion)
	name28 := make([]byte, DeviceNameLength)
	copy(name28, name)
	return append(b, name28...), nil
}

// InfoBlock returns the first device information block in the image.
// Images without one fail with util.ErrNotFound.
func (img *Image) InfoBlock() (*InfoBlock, error) {
	magic := []byte(InfoBlockMagic)
	for _, a := range img.Areas {
		i := bytes.Index(a.Data, magic)
		if i < 0 {
			continue
		}
		rest := a.Data[i+len(magic):]
		if len(rest) < 1+DeviceNameLength {
			return nil, fmt.Errorf("truncated device information block at 0x%08X", a.Address+uint32(i))
		}
		name := rest[1 : 1+DeviceNameLength]
		if n := bytes.IndexByte(name, 0); n >= 0 {
			name = name[:n]
		}
		return &InfoBlock{
			Version:    rest[0],
			DeviceName: string(name),
			Address:    a.Address + uint32(i),
		}, nil
	}
	return nil, fmt.Errorf("device information block: %w", util.ErrNotFound)
}

// DeviceName returns the device name from the image's information block.
func (img *Image) DeviceName() (string, error) {
	blk, err := img.InfoBlock()
	if err != nil {
		return "", err
	}
	return blk.DeviceName, nil
}
