package hexfile

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

const sample = `:020000040800F2
:10000000000102030405060708090A0B0C0D0E0F78
:0400100010111213A6
:00000001FF
`

func TestParse(t *testing.T) {
	img, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, img.Areas, 1)
	assert.Equal(t, uint32(0x08000000), img.Areas[0].Address)
	assert.Equal(t, 20, img.Size())
	assert.Equal(t, byte(0x13), img.Areas[0].Data[19])
	assert.Equal(t, uint32(0x08000014), img.Areas[0].End())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"missing start code", "10000000\n", "missing start code"},
		{"bad checksum", ":0400100010111213A7\n:00000001FF\n", "checksum mismatch"},
		{"length mismatch", ":0500100010111213A6\n:00000001FF\n", "length mismatch"},
		{"no eof", ":0400100010111213A6\n", "missing end-of-file"},
		{"no data", ":00000001FF\n", "no data records"},
		{"bad hex", ":04001000101112ZZA6\n", "invalid hex"},
		{"unsupported type", ":0000000AF6\n:00000001FF\n", "unsupported record type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteParseRoundTrip(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	in := &Image{Areas: []Area{
		{Address: 0x0000FFF0, Data: data}, // crosses a 64 KiB boundary
		{Address: 0x00200000, Data: []byte{0xAA, 0xBB}},
	}}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, in))
	out, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Areas, out.Areas)
}

func TestMergeOutOfOrder(t *testing.T) {
	areas, err := merge([]Area{
		{Address: 0x10, Data: []byte{3, 4}},
		{Address: 0x00, Data: []byte{0}},
		{Address: 0x0E, Data: []byte{1, 2}},
	})
	require.NoError(t, err)
	require.Len(t, areas, 2)
	assert.Equal(t, Area{Address: 0x00, Data: []byte{0}}, areas[0])
	assert.Equal(t, Area{Address: 0x0E, Data: []byte{1, 2, 3, 4}}, areas[1])
}

func TestMergeOverlap(t *testing.T) {
	tests := []struct {
		name  string
		areas []Area
	}{
		{"partial", []Area{{Address: 0x00, Data: []byte{0, 1, 2}}, {Address: 0x02, Data: []byte{9}}}},
		{"same address", []Area{{Address: 0x10, Data: []byte{1}}, {Address: 0x10, Data: []byte{2}}}},
		{"contained", []Area{{Address: 0x04, Data: []byte{5}}, {Address: 0x00, Data: make([]byte, 8)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := merge(tt.areas)
			assert.ErrorContains(t, err, "overlapping data")
		})
	}
}

func TestParseOverlappingRecords(t *testing.T) {
	// Second record rewrites 0x08000002..0x08000005 of the first.
	input := ":020000040800F2\n" +
		":10000000000102030405060708090A0B0C0D0E0F78\n" +
		":04000200AABBCCDDEC\n" +
		":00000001FF\n"

	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlapping data at 0x08000002")
}

func TestInfoBlock(t *testing.T) {
	blk, err := EncodeInfoBlock("ECU200")
	require.NoError(t, err)

	payload := append([]byte{0xFF, 0xFF}, blk...)
	img := &Image{Areas: []Area{
		{Address: 0x1000, Data: []byte{1, 2, 3}},
		{Address: 0x8000, Data: payload},
	}}

	info, err := img.InfoBlock()
	require.NoError(t, err)
	assert.Equal(t, "ECU200", info.DeviceName)
	assert.Equal(t, byte(InfoBlockVersion), info.Version)
	assert.Equal(t, uint32(0x8002), info.Address)

	name, err := img.DeviceName()
	require.NoError(t, err)
	assert.Equal(t, "ECU200", name)
}

func TestInfoBlockMissing(t *testing.T) {
	img := &Image{Areas: []Area{{Address: 0, Data: []byte("no identity here")}}}
	_, err := img.DeviceName()
	assert.ErrorIs(t, err, util.ErrNotFound)

	truncated := &Image{Areas: []Area{{Address: 0, Data: []byte(InfoBlockMagic + "\x01ECU")}}}
	_, err = truncated.InfoBlock()
	assert.Error(t, err)
}

func TestEncodeInfoBlockTooLong(t *testing.T) {
	_, err := EncodeInfoBlock(strings.Repeat("X", DeviceNameLength+1))
	assert.Error(t, err)
}

func TestLoadAndWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.hex")
	in := &Image{Areas: []Area{{Address: 0x100, Data: []byte{9, 8, 7}}}}
	require.NoError(t, WriteFile(path, in))

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in.Areas, out.Areas)

	_, err = Load(filepath.Join(t.TempDir(), "missing.hex"))
	assert.Error(t, err)
}

func TestIsHexFile(t *testing.T) {
	assert.True(t, IsHexFile("/a/b/fw.hex"))
	assert.True(t, IsHexFile("FW.HEX"))
	assert.False(t, IsHexFile("params.syde_psi"))
	assert.False(t, IsHexFile("hex"))
}
