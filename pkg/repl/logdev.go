package repl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jacktea/xobj/pkg/chunk"
)

const (
	journalName   = "journal.log"
	chunkDirName  = "chunks"
	recordMagic   = uint32(0x786a6c31) // "xjl1"
	recordPrefix  = 28                 // magic, lsn, chunk, offset, length, header length
	maxHeaderSize = 4096
)

type logEntry struct {
	lsn    int64
	header []byte
	blocks BlockRange
	req    Request
}

// LogConfig configures a file-backed log device.
type LogConfig struct {
	Dir       string
	BlockSize uint32
}

// LogDevice is a Device whose journal and payload blocks live on disk,
// so committed entries survive a restart and can be replayed. The
// journal holds one fixed-prefix record per entry; payloads live in
// one flat file per chunk.
type LogDevice struct {
	cfg    LogConfig
	commit CommitFunc

	mu         sync.Mutex
	journal    *os.File
	lsn        int64
	chunkFiles map[chunk.ID]*os.File
	chunkTail  map[chunk.ID]uint32
	closed     bool

	applyCh chan logEntry
	done    chan struct{}
}

// NewLogDevice opens (or creates) the device rooted at cfg.Dir and
// delivers fresh commits to fn. Already journaled entries are not
// redelivered until Replay is called.
func NewLogDevice(cfg LogConfig, fn CommitFunc) (*LogDevice, error) {
	if cfg.Dir == "" {
		return nil, errors.New("logdev: dir is required")
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 512
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, chunkDirName), 0o755); err != nil {
		return nil, fmt.Errorf("logdev: mkdir: %w", err)
	}
	journal, err := os.OpenFile(filepath.Join(cfg.Dir, journalName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logdev: open journal: %w", err)
	}
	d := &LogDevice{
		cfg:        cfg,
		commit:     fn,
		journal:    journal,
		chunkFiles: make(map[chunk.ID]*os.File),
		chunkTail:  make(map[chunk.ID]uint32),
		applyCh:    make(chan logEntry, 128),
		done:       make(chan struct{}),
	}
	if err := d.scan(); err != nil {
		journal.Close()
		return nil, err
	}
	if _, err := journal.Seek(0, io.SeekEnd); err != nil {
		journal.Close()
		return nil, fmt.Errorf("logdev: seek journal: %w", err)
	}
	go d.applyLoop()
	return d, nil
}

// scan walks the journal to recover the last lsn and per-chunk tails.
func (d *LogDevice) scan() error {
	if _, err := d.journal.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return iterateJournal(d.journal, func(e logEntry) error {
		d.lsn = e.lsn
		end := e.blocks.Offset + e.blocks.Length
		if end > d.chunkTail[e.blocks.Chunk] {
			d.chunkTail[e.blocks.Chunk] = end
		}
		return nil
	})
}

func (d *LogDevice) applyLoop() {
	defer close(d.done)
	for e := range d.applyCh {
		d.commit(e.lsn, e.header, e.blocks, d, e.req)
	}
}

func (d *LogDevice) BlockSize() uint32 { return d.cfg.BlockSize }

func (d *LogDevice) chunkPath(ch chunk.ID) string {
	return filepath.Join(d.cfg.Dir, chunkDirName, fmt.Sprintf("%08d.chk", ch))
}

// openChunk returns the write handle for ch. Caller holds d.mu.
func (d *LogDevice) openChunk(ch chunk.ID) (*os.File, error) {
	if f, ok := d.chunkFiles[ch]; ok {
		return f, nil
	}
	f, err := os.OpenFile(d.chunkPath(ch), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logdev: open chunk %d: %w", ch, err)
	}
	d.chunkFiles[ch] = f
	return f, nil
}

func (d *LogDevice) Append(ctx context.Context, header, payload []byte, ch chunk.ID, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if uint32(len(payload))%d.cfg.BlockSize != 0 {
		return fmt.Errorf("logdev: payload %d not aligned to %d", len(payload), d.cfg.BlockSize)
	}
	if len(header) > maxHeaderSize {
		return fmt.Errorf("logdev: header too large: %d", len(header))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("logdev: closed")
	}

	f, err := d.openChunk(ch)
	if err != nil {
		return err
	}
	offset := d.chunkTail[ch]
	if _, err := f.WriteAt(payload, int64(offset)); err != nil {
		return fmt.Errorf("logdev: write chunk %d: %w", ch, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("logdev: sync chunk %d: %w", ch, err)
	}

	blocks := BlockRange{Chunk: ch, Offset: offset, Length: uint32(len(payload))}
	rec := encodeRecord(d.lsn+1, blocks, header)
	if _, err := d.journal.Write(rec); err != nil {
		return fmt.Errorf("logdev: write journal: %w", err)
	}
	if err := d.journal.Sync(); err != nil {
		return fmt.Errorf("logdev: sync journal: %w", err)
	}
	d.lsn++
	d.chunkTail[ch] = offset + blocks.Length

	e := logEntry{
		lsn:    d.lsn,
		header: append([]byte(nil), header...),
		blocks: blocks,
		req:    req,
	}
	d.applyCh <- e
	return nil
}

func (d *LogDevice) Read(ctx context.Context, blocks BlockRange) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	f, err := d.openChunk(blocks.Chunk)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]byte, blocks.Length)
	if _, err := f.ReadAt(out, int64(blocks.Offset)); err != nil {
		return nil, fmt.Errorf("logdev: read chunk %d: %w", blocks.Chunk, err)
	}
	return out, nil
}

// Replay redelivers every journaled entry in order with no request
// attached.
func (d *LogDevice) Replay(ctx context.Context) error {
	f, err := os.Open(filepath.Join(d.cfg.Dir, journalName))
	if err != nil {
		return fmt.Errorf("logdev: open journal for replay: %w", err)
	}
	defer f.Close()
	return iterateJournal(f, func(e logEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.commit(e.lsn, e.header, e.blocks, d, nil)
		return nil
	})
}

// Close stops the apply loop after draining queued entries and
// releases all file handles.
func (d *LogDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.applyCh)
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, f := range d.chunkFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func encodeRecord(lsn int64, blocks BlockRange, header []byte) []byte {
	rec := make([]byte, recordPrefix+len(header))
	binary.LittleEndian.PutUint32(rec[0:], recordMagic)
	binary.LittleEndian.PutUint64(rec[4:], uint64(lsn))
	binary.LittleEndian.PutUint32(rec[12:], uint32(blocks.Chunk))
	binary.LittleEndian.PutUint32(rec[16:], blocks.Offset)
	binary.LittleEndian.PutUint32(rec[20:], blocks.Length)
	binary.LittleEndian.PutUint32(rec[24:], uint32(len(header)))
	copy(rec[recordPrefix:], header)
	return rec
}

func iterateJournal(r io.Reader, fn func(logEntry) error) error {
	prefix := make([]byte, recordPrefix)
	for {
		if _, err := io.ReadFull(r, prefix); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				// Torn trailing record from a crash mid-write; the
				// entry was never acknowledged, drop it.
				return nil
			}
			return fmt.Errorf("logdev: read journal: %w", err)
		}
		if binary.LittleEndian.Uint32(prefix[0:]) != recordMagic {
			return errors.New("logdev: bad journal record magic")
		}
		headerLen := binary.LittleEndian.Uint32(prefix[24:])
		if headerLen > maxHeaderSize {
			return fmt.Errorf("logdev: journal header length %d out of range", headerLen)
		}
		header := make([]byte, headerLen)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("logdev: read journal header: %w", err)
		}
		e := logEntry{
			lsn:    int64(binary.LittleEndian.Uint64(prefix[4:])),
			header: header,
			blocks: BlockRange{
				Chunk:  chunk.ID(binary.LittleEndian.Uint32(prefix[12:])),
				Offset: binary.LittleEndian.Uint32(prefix[16:]),
				Length: binary.LittleEndian.Uint32(prefix[20:]),
			},
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
