package file

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"footprint-systemv1/internal/codec"
	"footprint-systemv1/internal/model"
)

// readPeriodFile decodes every record in a period file, in file order.
// The header count is advisory only: after a crash between append and
// header rewrite it may understate the file, so records are scanned to EOF
// and a truncated tail record is tolerated.
func readPeriodFile(path string) ([]*model.FootprintCandle, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	first, err := r.Peek(1)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	// Legacy newline-delimited JSON file.
	if first[0] == '{' {
		return readLegacyFile(r, path)
	}

	var hbuf [codec.HeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return nil, fmt.Errorf("filestore: read header %s: %w", path, err)
	}
	if _, err := codec.UnmarshalHeader(hbuf[:]); err != nil {
		return nil, fmt.Errorf("filestore: %s: %w", path, err)
	}

	var out []*model.FootprintCandle
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			// Partial length prefix: crash-truncated tail.
			log.Printf("[filestore] %s: truncated length prefix, stopping scan", path)
			break
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			log.Printf("[filestore] %s: truncated record (%d bytes expected), stopping scan", path, n)
			break
		}
		c, _, err := codec.DecodeRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("filestore: %s: %w", path, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func readLegacyFile(r *bufio.Reader, path string) ([]*model.FootprintCandle, error) {
	var out []*model.FootprintCandle
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		c, err := codec.DecodeLegacyJSON(line)
		if err != nil {
			return nil, fmt.Errorf("filestore: legacy %s: %w", path, err)
		}
		out = append(out, c)
	}
	return out, sc.Err()
}

// periodEntry pairs a period file with its loaded index.
type periodEntry struct {
	binPath string
	index   *Index
}

// listPeriods returns the period files in an interval directory, ascending
// by first-timestamp. Period files without an index are included with a nil
// index so they are never filtered out.
func listPeriods(dir string) ([]periodEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: read dir %s: %w", dir, err)
	}

	var out []periodEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".bin") {
			continue
		}
		binPath := filepath.Join(dir, name)
		ix, err := readIndex(binPath + ".idx")
		if err != nil {
			log.Printf("[filestore] %v — scanning file instead", err)
			ix = nil
		}
		out = append(out, periodEntry{binPath: binPath, index: ix})
	}

	sort.Slice(out, func(i, j int) bool {
		fi, fj := int64(0), int64(0)
		if out[i].index != nil {
			fi = out[i].index.FirstTS
		}
		if out[j].index != nil {
			fj = out[j].index.FirstTS
		}
		if fi != fj {
			return fi < fj
		}
		return out[i].binPath < out[j].binPath
	})
	return out, nil
}
