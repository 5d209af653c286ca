package overlay

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// sseClient connects to srv and returns a line scanner plus a cancel func.
func sseClient(t *testing.T, srv *httptest.Server) (*bufio.Scanner, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}
	return bufio.NewScanner(resp.Body), cancel
}

// readEvent scans until a full SSE event (event + data lines) is read.
func readEvent(t *testing.T, sc *bufio.Scanner) (typ, data string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && typ != "":
			return typ, data
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for SSE event")
		}
	}
	t.Fatalf("stream ended before a full event arrived: %v", sc.Err())
	return "", ""
}

func TestHubDeliversPublishedEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	sc, cancel := sseClient(t, srv)
	defer cancel()

	// Wait until the hub sees the client before publishing.
	waitForClients(t, hub, 1)
	hub.Publish(Event{Type: "subtitle", Data: map[string]string{"text": "こんにちは"}})

	typ, data := readEvent(t, sc)
	if typ != "subtitle" {
		t.Errorf("event type = %q, want subtitle", typ)
	}
	if !strings.Contains(data, "こんにちは") {
		t.Errorf("event data = %q, want it to contain the subtitle text", data)
	}
}

func TestHubFansOutToMultipleClients(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	sc1, cancel1 := sseClient(t, srv)
	defer cancel1()
	sc2, cancel2 := sseClient(t, srv)
	defer cancel2()

	waitForClients(t, hub, 2)
	hub.Publish(Event{Type: "state", Data: Snapshot{TurnState: "playing"}})

	for i, sc := range []*bufio.Scanner{sc1, sc2} {
		typ, data := readEvent(t, sc)
		if typ != "state" {
			t.Errorf("client %d event type = %q, want state", i, typ)
		}
		if !strings.Contains(data, "playing") {
			t.Errorf("client %d data = %q", i, data)
		}
	}
}

func TestHubRemovesDisconnectedClients(t *testing.T) {
	t.Parallel()

	var delta atomic.Int64
	hub := NewHub(WithClientHook(func(d int) { delta.Add(int64(d)) }))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, cancel := sseClient(t, srv)
	waitForClients(t, hub, 1)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := delta.Load(); got != 0 {
		t.Errorf("client hook delta sum = %d, want 0 after connect+disconnect", got)
	}
}

func TestHubKeepaliveComments(t *testing.T) {
	t.Parallel()

	hub := NewHub(WithKeepalive(30 * time.Millisecond))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	sc, cancel := sseClient(t, srv)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), ": keepalive") {
			return
		}
		if time.Now().After(deadline) {
			break
		}
	}
	t.Fatal("no keepalive comment observed")
}

func TestAudioCacheOneShot(t *testing.T) {
	t.Parallel()

	c := NewAudioCache()
	wav := []byte("RIFFdata")
	id := c.Put(wav)
	if id == "" {
		t.Fatal("Put returned empty ID")
	}

	got, ok := c.Take(id)
	if !ok {
		t.Fatal("Take returned false for fresh ID")
	}
	if string(got) != "RIFFdata" {
		t.Errorf("Take = %q", got)
	}

	if _, ok := c.Take(id); ok {
		t.Error("second Take returned true, want one-shot semantics")
	}
	if _, ok := c.Take("unknown"); ok {
		t.Error("Take of unknown ID returned true")
	}
}

func TestAudioCachePurgesStaleEntries(t *testing.T) {
	t.Parallel()

	c := NewAudioCache()
	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }
	stale := c.Put([]byte("old"))

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.Put([]byte("fresh"))

	if _, ok := c.Take(stale); ok {
		t.Error("stale entry still retrievable after TTL")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestRefresherPublishesOnChangeOnly(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	sc, clientCancel := sseClient(t, srv)
	defer clientCancel()
	waitForClients(t, hub, 1)

	var state atomic.Value
	state.Store(Snapshot{TurnState: "idle"})
	ref := NewRefresher(hub, func() Snapshot { return state.Load().(Snapshot) }, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ref.Run(ctx)

	// Initial snapshot.
	typ, data := readEvent(t, sc)
	if typ != "state" || !strings.Contains(data, "idle") {
		t.Fatalf("initial event = %q %q", typ, data)
	}

	// Change state; the next published event reflects it.
	state.Store(Snapshot{TurnState: "playing", UtteranceID: "u1"})
	typ, data = readEvent(t, sc)
	if typ != "state" || !strings.Contains(data, "playing") {
		t.Fatalf("changed event = %q %q", typ, data)
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("hub never reached %d clients", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
