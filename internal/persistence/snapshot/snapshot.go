package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"marscolony.ai/internal/persistence/recordstore"
)

const Version = 1

// Header is the first line of every snapshot file, kept uncompressed-readable
// by tooling once the stream is decoded.
type Header struct {
	Version int    `json:"version"`
	Key     string `json:"key"`
	SavedAt string `json:"saved_at"`
}

// FileBackend stores each record as <dir>/<key>.json.zst. Writes go to a
// temp file first and are renamed into place.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("empty snapshot dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, key+".json.zst")
}

func (b *FileBackend) Load(key string) ([]byte, error) {
	_, body, err := ReadRecord(b.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, recordstore.ErrNotFound
	}
	return body, err
}

func (b *FileBackend) Save(key string, body []byte) error {
	return WriteRecord(b.Path(key), Header{
		Version: Version,
		Key:     key,
		SavedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, body)
}

func WriteRecord(path string, h Header, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeCompressed(tmp, h, body); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeCompressed(path string, h Header, body []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(body); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadRecord(path string) (Header, []byte, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, nil, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return h, nil, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return h, nil, fmt.Errorf("read body: %w", err)
	}
	return h, body, nil
}
