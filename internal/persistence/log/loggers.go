package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"marscolony.ai/internal/protocol"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Flush the encoder too so each line is readable before rotation.
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 32*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// AuditSink receives governance outcomes.
type AuditSink interface {
	WriteAudit(protocol.AuditEntry) error
}

// AuditLogger writes governance audit entries as hourly compressed JSONL.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(dir, "audit")}
}

func (l *AuditLogger) WriteAudit(e protocol.AuditEntry) error {
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return l.w.Write(e)
}

func (l *AuditLogger) Close() error { return l.w.Close() }

// Tee writes to every sink and joins their errors.
type Tee []AuditSink

func (t Tee) WriteAudit(e protocol.AuditEntry) error {
	var errs []error
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.WriteAudit(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadAudit decodes every audit file in dir in chronological order.
func ReadAudit(dir string) ([]protocol.AuditEntry, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []protocol.AuditEntry
	for _, path := range files {
		entries, err := readAuditFile(path)
		if err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

func readAuditFile(path string) ([]protocol.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []protocol.AuditEntry
	r := bufio.NewReader(dec)
	for {
		line, err := r.ReadString('\n')
		if s := strings.TrimSpace(line); s != "" {
			var e protocol.AuditEntry
			if jerr := json.Unmarshal([]byte(s), &e); jerr != nil {
				return out, jerr
			}
			out = append(out, e)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
