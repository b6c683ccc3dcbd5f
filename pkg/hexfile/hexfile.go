// Package hexfile reads and writes Intel HEX firmware images and locates the
// device information block embedded in them.
package hexfile

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Record types.
const (
	RecordData                   = 0x00
	RecordEOF                    = 0x01
	RecordExtendedSegmentAddress = 0x02
	RecordStartSegmentAddress    = 0x03
	RecordExtendedLinearAddress  = 0x04
	RecordStartLinearAddress     = 0x05
)

// Extension is the file extension that selects area-based transfer.
const Extension = ".hex"

// IsHexFile reports whether path names an Intel HEX file.
func IsHexFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Area is a contiguous block of image data.
type Area struct {
	Address uint32
	Data    []byte
}

// End returns the first address after the area.
func (a Area) End() uint32 {
	return a.Address + uint32(len(a.Data))
}

// Image is a parsed HEX file: data areas sorted by address, adjacent
// records merged.
type Image struct {
	Areas []Area
}

// Size returns the number of data bytes in the image.
func (img *Image) Size() int {
	n := 0
	for _, a := range img.Areas {
		n += len(a.Data)
	}
	return n
}

// Load parses the HEX file at path.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Parse parses Intel HEX records from r. Parsing stops at the EOF record.
func Parse(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)
	var (
		base   uint32
		areas  []Area
		sawEOF bool
	)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		switch rec.typ {
		case RecordData:
			areas = append(areas, Area{Address: base + uint32(rec.offset), Data: rec.data})
		case RecordEOF:
			sawEOF = true
		case RecordExtendedSegmentAddress:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: segment address record needs 2 bytes", lineNum)
			}
			base = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 4
		case RecordExtendedLinearAddress:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: linear address record needs 2 bytes", lineNum)
			}
			base = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 16
		case RecordStartSegmentAddress, RecordStartLinearAddress:
			// Entry point; not needed for flashing.
		default:
			return nil, fmt.Errorf("line %d: unsupported record type 0x%02X", lineNum, rec.typ)
		}
		if sawEOF {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if !sawEOF {
		return nil, fmt.Errorf("missing end-of-file record")
	}
	if len(areas) == 0 {
		return nil, fmt.Errorf("no data records found in file")
	}

	merged, err := merge(areas)
	if err != nil {
		return nil, err
	}
	return &Image{Areas: merged}, nil
}

type record struct {
	typ    byte
	offset uint16
	data   []byte
}

// parseRecord parses one ":LLAAAATT<data>CC" line.
func parseRecord(line string) (record, error) {
	if line[0] != ':' {
		return record{}, fmt.Errorf("missing start code")
	}
	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return record{}, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(raw) < 5 {
		return record{}, fmt.Errorf("record too short: %d bytes", len(raw))
	}
	n := int(raw[0])
	if len(raw) != n+5 {
		return record{}, fmt.Errorf("length mismatch: got %d bytes, expected %d", len(raw), n+5)
	}
	if sum := checksum(raw[:len(raw)-1]); sum != raw[len(raw)-1] {
		return record{}, fmt.Errorf("checksum mismatch: got 0x%02X, expected 0x%02X", raw[len(raw)-1], sum)
	}
	return record{
		typ:    raw[3],
		offset: uint16(raw[1])<<8 | uint16(raw[2]),
		data:   raw[4 : 4+n],
	}, nil
}

// checksum is the two's complement of the byte sum.
func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return -sum
}

// merge sorts areas by address and joins adjacent ones. Overlapping
// data is an error.
func merge(areas []Area) ([]Area, error) {
	sort.SliceStable(areas, func(i, j int) bool { return areas[i].Address < areas[j].Address })
	out := []Area{{Address: areas[0].Address, Data: append([]byte(nil), areas[0].Data...)}}
	for _, a := range areas[1:] {
		last := &out[len(out)-1]
		if a.Address < last.End() {
			return nil, fmt.Errorf("overlapping data at 0x%08X: already defined up to 0x%08X", a.Address, last.End()-1)
		}
		if a.Address == last.End() {
			last.Data = append(last.Data, a.Data...)
			continue
		}
		out = append(out, Area{Address: a.Address, Data: append([]byte(nil), a.Data...)})
	}
	return out, nil
}

// Write encodes the image as Intel HEX with 16-byte data records.
func Write(w io.Writer, img *Image) error {
	bw := bufio.NewWriter(w)
	upper := uint32(0)
	for _, a := range img.Areas {
		for off := 0; off < len(a.Data); {
			addr := a.Address + uint32(off)
			if addr>>16 != upper {
				upper = addr >> 16
				writeRecord(bw, RecordExtendedLinearAddress, 0, []byte{byte(upper >> 8), byte(upper)})
			}
			n := 16
			if rem := len(a.Data) - off; rem < n {
				n = rem
			}
			// Records must not cross a 64 KiB boundary.
			if room := 0x10000 - int(addr&0xFFFF); room < n {
				n = room
			}
			writeRecord(bw, RecordData, uint16(addr), a.Data[off:off+n])
			off += n
		}
	}
	writeRecord(bw, RecordEOF, 0, nil)
	return bw.Flush()
}

func writeRecord(w *bufio.Writer, typ byte, offset uint16, data []byte) {
	raw := make([]byte, 0, len(data)+5)
	raw = append(raw, byte(len(data)), byte(offset>>8), byte(offset), typ)
	raw = append(raw, data...)
	raw = append(raw, checksum(raw))
	fmt.Fprintf(w, ":%s\n", strings.ToUpper(hex.EncodeToString(raw)))
}

// WriteFile writes the image to path.
func WriteFile(path string, img *Image) error {
	var buf bytes.Buffer
	if err := Write(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
