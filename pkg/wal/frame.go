package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

// Frame format: [DataLen:4][Flags:1][Data:N][Checksum:4], little endian.
// The checksum covers the flags byte and the stored data.
const (
	headerSize  = 4 + 1
	trailerSize = 4

	flagSnappy byte = 1 << 0

	// maxFrameData bounds a single record so a corrupt length cannot
	// trigger a huge allocation during recovery.
	maxFrameData = 64 << 20
)

// ErrCorrupt is returned when a frame fails validation.
var ErrCorrupt = errors.New("wal: corrupt record")

func frameSize(dataLen int) int64 {
	return int64(headerSize + dataLen + trailerSize)
}

func checksum(flags byte, data []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte{flags})
	h.Write(data)
	return h.Sum32()
}

// encodeFrame builds the on-disk frame for payload.
func encodeFrame(payload []byte, compress bool) []byte {
	var flags byte
	data := payload
	if compress {
		data = snappy.Encode(nil, payload)
		flags |= flagSnappy
	}

	buf := make([]byte, frameSize(len(data)))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	buf[4] = flags
	copy(buf[headerSize:], data)
	binary.LittleEndian.PutUint32(buf[headerSize+len(data):], checksum(flags, data))
	return buf
}

// readFrame decodes the frame starting at off. It returns the payload and
// the frame's total size.
func readFrame(r io.ReaderAt, off int64) ([]byte, int64, error) {
	var hdr [headerSize]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	dataLen := binary.LittleEndian.Uint32(hdr[0:4])
	flags := hdr[4]
	if dataLen > maxFrameData || flags&^flagSnappy != 0 {
		return nil, 0, fmt.Errorf("%w at offset %d: bad header", ErrCorrupt, off)
	}

	body := make([]byte, int(dataLen)+trailerSize)
	if _, err := r.ReadAt(body, off+headerSize); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	data := body[:dataLen]
	if got := binary.LittleEndian.Uint32(body[dataLen:]); got != checksum(flags, data) {
		return nil, 0, fmt.Errorf("%w at offset %d: checksum mismatch", ErrCorrupt, off)
	}

	if flags&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, 0, fmt.Errorf("%w at offset %d: %v", ErrCorrupt, off, err)
		}
		data = decoded
	}
	return data, frameSize(int(dataLen)), nil
}
