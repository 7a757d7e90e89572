package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

// Each record is [8 byte id][4 byte body length][CBOR body].
const recordHeaderLen = 12

const (
	logName  = "journal.log"
	metaName = "journal.meta"
)

// FileJournal is an append-only record log with a persisted commit mark.
// A torn record at the tail, left by a crash, is cut off on open.
type FileJournal struct {
	mu        sync.Mutex
	dir       string
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.EntryID
	committed ports.EntryID
	sizeBytes int64
}

func NewFileJournal(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &FileJournal{
		dir:      dir,
		path:     filepath.Join(dir, logName),
		metaPath: filepath.Join(dir, metaName),
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	if err := j.scanExisting(); err != nil {
		j.file.Close()
		return nil, err
	}
	if err := j.loadCommitted(); err != nil {
		j.file.Close()
		return nil, err
	}
	if j.nextID < j.committed {
		j.nextID = j.committed
	}
	return j, nil
}

func (j *FileJournal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.writer = bufio.NewWriterSize(f, 1<<20)
	return nil
}

// scanExisting finds the last complete record and truncates anything after it.
func (j *FileJournal) scanExisting() error {
	rf, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	var (
		offset int64
		lastID ports.EntryID
	)
	err = readRecords(bufio.NewReader(rf), func(id ports.EntryID, body []byte) error {
		offset += recordHeaderLen + int64(len(body))
		lastID = id
		return nil
	})
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("journal scan: %w", err)
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	j.sizeBytes = offset
	j.nextID = lastID
	return nil
}

// readRecords calls fn for each complete record. A torn tail yields
// io.ErrUnexpectedEOF after every complete record has been passed to fn.
func readRecords(r io.Reader, fn func(id ports.EntryID, body []byte) error) error {
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		id := ports.EntryID(binary.BigEndian.Uint64(hdr[0:8]))
		body := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if err := fn(id, body); err != nil {
			return err
		}
	}
}

func (j *FileJournal) loadCommitted() error {
	data, err := os.ReadFile(j.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("journal meta parse: %w", err)
	}
	j.committed = ports.EntryID(u)
	return nil
}

func (j *FileJournal) Append(r *domain.Record) (ports.EntryID, error) {
	body, err := marshalRecord(r)
	if err != nil {
		return 0, fmt.Errorf("journal encode: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	id := j.nextID + 1
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))

	if _, err := j.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := j.writer.Write(body); err != nil {
		return 0, err
	}

	j.nextID = id
	j.sizeBytes += int64(len(body) + len(hdr))
	return id, nil
}

// Iterate replays records with id >= from in append order.
func (j *FileJournal) Iterate(from ports.EntryID, fn func(id ports.EntryID, r *domain.Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = readRecords(bufio.NewReader(f), func(id ports.EntryID, body []byte) error {
		if id < from {
			return nil
		}
		rec, err := unmarshalRecord(body)
		if err != nil {
			return fmt.Errorf("corrupt journal entry %d: %w", id, err)
		}
		return fn(id, rec)
	})
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("corrupt journal: %w", err)
	}
	return err
}

// Commit marks every record up to and including upto as persisted downstream.
func (j *FileJournal) Commit(upto ports.EntryID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if upto <= j.committed {
		return nil
	}
	j.committed = upto
	return j.persistMetaLocked()
}

// TruncateCommitted rewrites the log without the committed prefix.
func (j *FileJournal) TruncateCommitted() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	src, err := os.Open(j.path)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(j.dir, logName+".compact-*")
	if err != nil {
		src.Close()
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	var kept int64
	err = readRecords(bufio.NewReader(src), func(id ports.EntryID, body []byte) error {
		if id <= j.committed {
			return nil
		}
		var hdr [recordHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			return err
		}
		kept += recordHeaderLen + int64(len(body))
		return nil
	})
	src.Close()
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("journal compact: %w", err)
	}

	if err := j.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return errors.Join(err, j.open())
	}
	if err := j.open(); err != nil {
		return err
	}
	j.sizeBytes = kept
	return nil
}

// Sync flushes buffered records and fsyncs the log.
func (j *FileJournal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *FileJournal) Stats() ports.JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ports.JournalStats{
		OldestUncommitted: j.committed + 1,
		LatestAppended:    j.nextID,
		SizeBytes:         j.sizeBytes,
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return errors.Join(j.writer.Flush(), j.file.Close())
}

func (j *FileJournal) persistMetaLocked() error {
	data := []byte(fmt.Sprintf("%d\n", j.committed))
	return os.WriteFile(j.metaPath, data, 0o644)
}

var _ ports.Journal = (*FileJournal)(nil)
