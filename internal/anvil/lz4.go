package anvil

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4 payloads use the block stream framing of lz4-java's LZ4BlockOutputStream:
// an 8 byte magic, a method token, little-endian compressed and original lengths,
// a checksum, then the block. A block with zero original length ends a stream.
const (
	lz4Magic     = "LZ4Block"
	lz4HeaderLen = len(lz4Magic) + 1 + 4 + 4 + 4

	lz4MethodRaw = 0x10
	lz4MethodLZ4 = 0x20

	// Blocks never exceed 32 MiB in practice; anything larger is corrupt.
	lz4MaxBlock = 32 << 20
)

// decodeLZ4Blocks expands one or more concatenated LZ4 block streams. Block
// checksums are not verified.
func decodeLZ4Blocks(src []byte) ([]byte, error) {
	var out []byte
	for len(src) > 0 {
		if len(src) < lz4HeaderLen {
			return nil, fmt.Errorf("lz4 block header: %w", io.ErrUnexpectedEOF)
		}
		if string(src[:len(lz4Magic)]) != lz4Magic {
			return nil, fmt.Errorf("%w: bad lz4 block magic", ErrCorrupt)
		}
		token := src[len(lz4Magic)]
		clen := int(int32(binary.LittleEndian.Uint32(src[9:])))
		dlen := int(int32(binary.LittleEndian.Uint32(src[13:])))
		src = src[lz4HeaderLen:]

		if clen < 0 || dlen < 0 || clen > lz4MaxBlock || dlen > lz4MaxBlock {
			return nil, fmt.Errorf("%w: lz4 block lengths %d/%d", ErrCorrupt, clen, dlen)
		}
		if dlen == 0 {
			continue
		}
		if len(src) < clen {
			return nil, fmt.Errorf("lz4 block: %w", io.ErrUnexpectedEOF)
		}
		block := src[:clen]
		src = src[clen:]

		switch token & 0xF0 {
		case lz4MethodRaw:
			if clen != dlen {
				return nil, fmt.Errorf("%w: raw lz4 block %d != %d", ErrCorrupt, clen, dlen)
			}
			out = append(out, block...)
		case lz4MethodLZ4:
			buf := make([]byte, dlen)
			n, err := lz4.UncompressBlock(block, buf)
			if err != nil {
				return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
			}
			if n != dlen {
				return nil, fmt.Errorf("%w: lz4 block expanded to %d, want %d", ErrCorrupt, n, dlen)
			}
			out = append(out, buf...)
		default:
			return nil, fmt.Errorf("%w: lz4 block method %#x", ErrCorrupt, token&0xF0)
		}
	}
	return out, nil
}
