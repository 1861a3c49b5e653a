// Package wal is the engine's segmented write-ahead log. Records use a
// Len(4) | Data(N) | CRC(4) frame. A checkpoint rotates to a fresh segment
// and archiving compresses segments no longer needed for durability.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/ulikunitz/xz"
)

const segmentSuffix = ".log"

// Log is a write-ahead log over a directory of numbered segment files.
type Log struct {
	mu  sync.Mutex
	dir string
	f   *os.File
	seq int

	// bytes appended since the last checkpoint rotation, for the
	// checkpoint log_size trigger.
	written int64
}

// Open opens or creates the log directory and resumes the newest segment.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotate(err, "creating log directory")
	}
	seqs, err := listSegments(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	seq := 1
	if len(seqs) > 0 {
		seq = seqs[len(seqs)-1]
	}

	w := &Log{dir: dir, seq: seq}
	if err := w.openSegment(); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func segmentName(dir string, seq int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", seq, segmentSuffix))
}

func listSegments(dir string) ([]int, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Annotate(err, "listing log directory")
	}
	var seqs []int
	for _, e := range ents {
		name := e.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(name, "%06d", &seq); err == nil {
			seqs = append(seqs, seq)
		}
	}
	sort.Ints(seqs)
	return seqs, nil
}

func (w *Log) openSegment() error {
	f, err := os.OpenFile(segmentName(w.dir, w.seq), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Annotate(err, "opening log segment")
	}
	w.f = f
	return nil
}

// Append writes one framed record. With sync set the segment is fsynced
// before returning (the "full"/"flush" transaction sync modes); without it
// the write is left to the OS ("write" mode).
func (w *Log) Append(data []byte, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.f.Write(hdr[:]); err != nil {
		return errors.Annotate(err, "writing record length")
	}
	if _, err := w.f.Write(data); err != nil {
		return errors.Annotate(err, "writing record")
	}
	binary.BigEndian.PutUint32(hdr[:], crc32.ChecksumIEEE(data))
	if _, err := w.f.Write(hdr[:]); err != nil {
		return errors.Annotate(err, "writing record checksum")
	}
	w.written += int64(len(data)) + 8

	if sync {
		return errors.Annotate(w.f.Sync(), "syncing log")
	}
	return nil
}

// BytesSinceCheckpoint reports how much log has accumulated since the last
// rotation.
func (w *Log) BytesSinceCheckpoint() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Sync flushes the current segment to stable storage.
func (w *Log) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Annotate(w.f.Sync(), "syncing log")
}

// Rotate syncs and seals the current segment and starts a new one. Called
// by checkpoint once the cache is durable.
func (w *Log) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Sync(); err != nil {
		return errors.Annotate(err, "syncing sealed segment")
	}
	if err := w.f.Close(); err != nil {
		return errors.Annotate(err, "closing sealed segment")
	}
	w.seq++
	w.written = 0
	return errors.Trace(w.openSegment())
}

// Archive compresses sealed segments (everything before the live one) with
// xz and removes the originals. Safe once a checkpoint has made their
// contents durable elsewhere.
func (w *Log) Archive() error {
	w.mu.Lock()
	live := w.seq
	w.mu.Unlock()

	seqs, err := listSegments(w.dir)
	if err != nil {
		return errors.Trace(err)
	}
	for _, seq := range seqs {
		if seq >= live {
			continue
		}
		if err := compressSegment(segmentName(w.dir, seq)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func compressSegment(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return errors.Annotate(err, "opening segment for archive")
	}
	defer src.Close()

	dst, err := os.Create(path + ".xz")
	if err != nil {
		return errors.Annotate(err, "creating archive file")
	}
	zw, err := xz.NewWriter(dst)
	if err != nil {
		dst.Close()
		return errors.Annotate(err, "starting xz stream")
	}
	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		return errors.Annotate(err, "compressing segment")
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return errors.Annotate(err, "finishing xz stream")
	}
	if err := dst.Close(); err != nil {
		return errors.Annotate(err, "closing archive file")
	}
	return errors.Annotate(os.Remove(path), "removing archived segment")
}

// Replay reads every record in every live segment, oldest first. A CRC
// mismatch stops replay with an error; the tail past a torn write is
// ignored.
func (w *Log) Replay(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seqs, err := listSegments(w.dir)
	if err != nil {
		return errors.Trace(err)
	}
	for _, seq := range seqs {
		if err := replaySegment(segmentName(w.dir, seq), handler); err != nil {
			return errors.Trace(err)
		}
	}
	// Leave the live segment positioned for appending.
	_, err = w.f.Seek(0, io.SeekEnd)
	return errors.Annotate(err, "seeking log end")
}

func replaySegment(path string, handler func(data []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Annotate(err, "opening segment for replay")
	}
	defer f.Close()

	var hdr [4]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return nil // torn frame header at the tail
			}
			return errors.Annotate(err, "reading record length")
		}
		length := binary.BigEndian.Uint32(hdr[:])

		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn record at the tail
			}
			return errors.Annotate(err, "reading record")
		}
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return errors.Annotate(err, "reading record checksum")
		}
		if binary.BigEndian.Uint32(hdr[:]) != crc32.ChecksumIEEE(data) {
			return errors.New("wal: record checksum mismatch")
		}
		if err := handler(data); err != nil {
			return errors.Trace(err)
		}
	}
}

func (w *Log) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
