package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("first\nsec"))
	_, _ = b.Write([]byte("ond\r\n\n   \nthird\n"))

	got := b.Snapshot()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("entries = %+v", got)
	}
	for i, w := range want {
		if got[i].Msg != w {
			t.Errorf("entry %d = %q, want %q", i, got[i].Msg, w)
		}
	}
}

func TestLogBufferKeepsNewest(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write([]byte("a\nb\nc\n"))
	got := b.Snapshot()
	if len(got) != 2 || got[0].Msg != "b" || got[1].Msg != "c" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestLogBufferSubscribe(t *testing.T) {
	b := NewLogBuffer(10)
	ch, cancel := b.Subscribe()
	_, _ = b.Write([]byte("hello\n"))

	select {
	case e := <-ch:
		if e.Msg != "hello" {
			t.Fatalf("got %q", e.Msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
}

func TestServeLogsJSON(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("one\ntwo\nthree\n"))

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?n=2", nil))
	var got []LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Msg != "two" {
		t.Fatalf("entries = %+v", got)
	}

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?n=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServeLogsSSE(t *testing.T) {
	b := NewLogBuffer(10)
	srv := httptest.NewServer(Viewer{Logs: b}.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/logs/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	// Headers arrive after Subscribe, so the write below is not missed.
	_, _ = b.Write([]byte("streamed\n"))

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatal(err)
		}
		if e.Msg != "streamed" {
			t.Fatalf("msg = %q", e.Msg)
		}
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}

func TestHandlerSetsNoCache(t *testing.T) {
	srv := httptest.NewServer(Viewer{Diag: func() map[string]any { return nil }}.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/p2p")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("cache-control = %q", cc)
	}
}

func TestParseGoLogLine(t *testing.T) {
	now := time.Now()
	e := parseLine("2026-10-14T09:30:00.123+0200\tWARN\tcall\tcall/manager.go:412\tpresence unavailable, retrying", now)
	if e.Level != "WARN" || e.System != "call" || e.Msg != "presence unavailable, retrying" {
		t.Fatalf("entry = %+v", e)
	}
	if e.TS.Year() != 2026 || e.TS.Nanosecond() != 123_000_000 {
		t.Fatalf("ts = %v", e.TS)
	}

	e = parseLine("plain text\twith a tab", now)
	if e.Level != "" || e.Msg != "plain text\twith a tab" || !e.TS.Equal(now) {
		t.Fatalf("plain entry = %+v", e)
	}
}

func TestServeLogsJSONLevelFilter(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte(
		"2026-10-14T09:30:00.000Z\tINFO\tapp\tapp/run.go:1\tstarted\n" +
			"2026-10-14T09:30:01.000Z\tERROR\tcall\tcall/pion.go:2\tice failed\n" +
			"unstructured\n"))

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?level=warn", nil))
	var got []LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Msg != "ice failed" || got[1].Msg != "unstructured" {
		t.Fatalf("entries = %+v", got)
	}

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?level=chatty", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
