package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/roomcall/internal/util"
)

// LogEntry is one log line. Lines in go-log's plaintext format are split
// into their fields; anything else lands in Msg as is.
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	System string    `json:"system,omitempty"`
	Msg    string    `json:"msg"`
}

// go-log's ISO8601 time encoder.
const goLogTime = "2006-01-02T15:04:05.000Z0700"

var levelRank = map[string]int{
	"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3, "DPANIC": 4, "PANIC": 5, "FATAL": 6,
}

func parseLine(line string, now time.Time) LogEntry {
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 4 {
		return LogEntry{TS: now, Msg: line}
	}
	if _, ok := levelRank[parts[1]]; !ok {
		return LogEntry{TS: now, Msg: line}
	}
	e := LogEntry{TS: now, Level: parts[1], System: parts[2], Msg: parts[3]}
	if len(parts) == 5 {
		// parts[3] is the caller
		e.Msg = parts[4]
	}
	if ts, err := time.Parse(goLogTime, parts[0]); err == nil {
		e.TS = ts
	}
	return e
}

// LogBuffer keeps recent log lines for the UI. It is an io.Writer so a
// go-log pipe reader can be copied into it.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

// Write splits p into lines; a trailing partial line waits for the next
// write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		i := bytes.IndexByte(b.partial.Bytes(), '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(b.partial.Next(i+1)[:i]), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.push(parseLine(line, b.now()))
	}
	return len(p), nil
}

func (b *LogBuffer) push(e LogEntry) {
	b.entries.Push(e)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry { return b.entries.Snapshot() }

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// atLeast reports whether e passes a minimum level. Unparsed lines always
// pass.
func atLeast(e LogEntry, floor int) bool {
	r, ok := levelRank[e.Level]
	return !ok || r >= floor
}

// GET /api/logs[?n=100][&level=warn]
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := -1
	if s := q.Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	floor := 0
	if s := q.Get("level"); s != "" {
		v, ok := levelRank[strings.ToUpper(s)]
		if !ok {
			http.Error(w, "unknown level "+s, http.StatusBadRequest)
			return
		}
		floor = v
	}

	out := []LogEntry{}
	for _, e := range b.entries.Snapshot() {
		if atLeast(e, floor) {
			out = append(out, e)
		}
	}
	if n >= 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// GET /api/logs/stream (Server-Sent Events), new lines only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := b.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
