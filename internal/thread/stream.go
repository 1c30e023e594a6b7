package thread

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	streamPrefix = ".stream-"
	streamSuffix = ".jsonl"

	// ArchiveDir receives stream files once they are no longer needed.
	ArchiveDir = ".streams-archive"
)

// DeltaKind identifies the channel a streamed chunk belongs to.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text"
	DeltaThinking DeltaKind = "thinking"
)

// Delta is one line of a stream file.
type Delta struct {
	Kind DeltaKind `json:"kind"`
	Text string    `json:"text"`
	Time time.Time `json:"ts"`
}

// StreamPath returns the stream file for sender in the thread at dir.
func StreamPath(dir, sender string) string {
	return filepath.Join(dir, streamPrefix+sender+streamSuffix)
}

// streamSender extracts the sender from a stream file name.
func streamSender(name string) (string, bool) {
	if !strings.HasPrefix(name, streamPrefix) || !strings.HasSuffix(name, streamSuffix) {
		return "", false
	}
	sender := strings.TrimSuffix(strings.TrimPrefix(name, streamPrefix), streamSuffix)
	return sender, sender != ""
}

// StreamWriter appends deltas to a sender's stream file.
type StreamWriter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	now func() time.Time
}

// OpenStream starts a fresh stream file for sender. Any previous stream for
// the same sender is replaced by a new file, which readers detect and reset on.
func OpenStream(dir, sender string) (*StreamWriter, error) {
	if !ValidSender(sender) {
		return nil, fmt.Errorf("invalid stream sender %q", sender)
	}
	path := StreamPath(dir, sender)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &StreamWriter{f: f, enc: json.NewEncoder(f), now: time.Now}, nil
}

// Path returns the stream file path.
func (w *StreamWriter) Path() string { return w.f.Name() }

// Write appends one delta. Empty text is ignored.
func (w *StreamWriter) Write(kind DeltaKind, text string) error {
	if text == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(Delta{Kind: kind, Text: text, Time: w.now().UTC()})
}

// Close closes the file. The stream file itself remains on disk until
// ArchiveStreams moves it, so late readers can still drain it.
func (w *StreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// StreamReader incrementally reads complete delta lines from a stream file.
type StreamReader struct {
	path    string
	offset  int64
	partial []byte
	info    os.FileInfo
}

// NewStreamReader creates a reader positioned at the start of path.
func NewStreamReader(path string) *StreamReader {
	return &StreamReader{path: path}
}

// SkipToEnd positions the reader after the file's current content.
func (r *StreamReader) SkipToEnd() error {
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	r.info = info
	r.offset = info.Size()
	r.partial = nil
	return nil
}

// Read returns deltas appended since the last call. A missing file yields no
// deltas. If the file was replaced or truncated the reader starts over.
// Lines that do not decode are skipped.
func (r *StreamReader) Read() (deltas []Delta, reset bool, err error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if r.info != nil && (!os.SameFile(r.info, info) || info.Size() < r.offset) {
		r.offset = 0
		r.partial = nil
		reset = true
	}
	r.info = info
	if info.Size() == r.offset {
		return nil, reset, nil
	}

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, reset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, reset, err
	}
	r.offset += int64(len(data))

	buf := append(r.partial, data...)
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		r.partial = buf
		return nil, reset, nil
	}
	r.partial = append([]byte(nil), buf[last+1:]...)

	sc := bufio.NewScanner(bytes.NewReader(buf[:last+1]))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var d Delta
		if json.Unmarshal(line, &d) != nil {
			continue
		}
		deltas = append(deltas, d)
	}
	return deltas, reset, sc.Err()
}

// ReadAll returns the concatenated text of the stream file for sender.
func ReadAll(dir, sender string, kind DeltaKind) (string, error) {
	deltas, _, err := NewStreamReader(StreamPath(dir, sender)).Read()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, d := range deltas {
		if d.Kind == kind {
			b.WriteString(d.Text)
		}
	}
	return b.String(), nil
}

// Streams returns the senders with a stream file in dir.
func Streams(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(dir)
		}
		return nil, err
	}
	var senders []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if s, ok := streamSender(e.Name()); ok {
			senders = append(senders, s)
		}
	}
	return senders, nil
}

// ArchiveStreams moves every stream file in dir into ArchiveDir, suffixing
// each with the archive time. It returns the number of files moved.
func ArchiveStreams(dir string) (int, error) {
	senders, err := Streams(dir)
	if err != nil || len(senders) == 0 {
		return 0, err
	}
	archive := filepath.Join(dir, ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return 0, err
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	moved := 0
	for _, s := range senders {
		src := StreamPath(dir, s)
		dst := filepath.Join(archive, fmt.Sprintf("%s.%s%s", s, stamp, streamSuffix))
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return moved, fmt.Errorf("archive stream %s: %w", s, err)
		}
		moved++
	}
	return moved, nil
}
