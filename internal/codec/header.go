package codec

import (
	"encoding/binary"
	"fmt"
)

// Period file header layout (64 bytes, little-endian):
//
//	magic      [4]byte  "FTCD"
//	version    uint16   currently 1
//	recordSize uint16   0 = variable-length records
//	count      uint32   number of records
//	firstTS    int64    smallest open-time in the file (epoch ms)
//	lastTS     int64    largest open-time in the file (epoch ms)
//	symbol     [16]byte UTF-8, zero-padded
//	interval   [8]byte  UTF-8, zero-padded
//	reserved   [12]byte
const (
	HeaderSize    = 64
	HeaderVersion = 1
)

// HeaderMagic identifies a period file.
var HeaderMagic = [4]byte{'F', 'T', 'C', 'D'}

// Header is the fixed-size leader of every period file. It is updated in
// place after each append; readers must tolerate a stale header after a
// crash between append and header rewrite.
type Header struct {
	Version    uint16
	RecordSize uint16
	Count      uint32
	FirstTS    int64
	LastTS     int64
	Symbol     string
	Interval   string
}

// NewHeader returns an empty header for a fresh period file.
func NewHeader(symbol, interval string) Header {
	return Header{Version: HeaderVersion, Symbol: symbol, Interval: interval}
}

// Marshal encodes the header into its 64-byte on-disk form.
func (h *Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:4], HeaderMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.RecordSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.Count)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.FirstTS))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.LastTS))
	copyPadded(buf[28:44], h.Symbol)
	copyPadded(buf[44:52], h.Interval)
	// buf[52:64] reserved
	return buf
}

// UnmarshalHeader decodes a 64-byte header, validating magic and version.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("codec: header truncated (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != string(HeaderMagic[:]) {
		return Header{}, fmt.Errorf("codec: bad header magic %q", buf[0:4])
	}
	h := Header{
		Version:    binary.LittleEndian.Uint16(buf[4:6]),
		RecordSize: binary.LittleEndian.Uint16(buf[6:8]),
		Count:      binary.LittleEndian.Uint32(buf[8:12]),
		FirstTS:    int64(binary.LittleEndian.Uint64(buf[12:20])),
		LastTS:     int64(binary.LittleEndian.Uint64(buf[20:28])),
		Symbol:     trimPadded(buf[28:44]),
		Interval:   trimPadded(buf[44:52]),
	}
	if h.Version != HeaderVersion {
		return Header{}, fmt.Errorf("codec: unsupported header version %d", h.Version)
	}
	return h, nil
}

// Observe folds a record open-time into the header counters.
func (h *Header) Observe(ts int64) {
	if h.Count == 0 || ts < h.FirstTS {
		h.FirstTS = ts
	}
	if ts > h.LastTS {
		h.LastTS = ts
	}
	h.Count++
}

func copyPadded(dst []byte, s string) {
	b := []byte(s)
	if len(b) > len(dst) {
		b = b[:len(dst)]
	}
	copy(dst, b)
}

func trimPadded(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
