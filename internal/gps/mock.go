package gps

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// MockPort implements Porter over an in-memory pipe fed by a replay
// goroutine. Writes are discarded.
type MockPort struct {
	io.Reader
	closer io.Closer
}

func (m *MockPort) Write(p []byte) (int, error) { return len(p), nil }

func (m *MockPort) Close() error { return m.closer.Close() }

// NewMockMux creates a Mux replaying the given NMEA sentences in a loop,
// one per interval. It stands in for a real receiver in dev mode.
func NewMockMux(sentences []string, interval time.Duration) *Mux[*MockPort] {
	r, w := io.Pipe()

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		i := 0
		for range ticker.C {
			line := sentences[i%len(sentences)] + "\r\n"
			if _, err := w.Write([]byte(line)); err != nil {
				return
			}
			i++
		}
	}()

	return NewMux(&MockPort{Reader: r, closer: r})
}

// FixtureSentences is a short replay loop around a fixed point, suitable
// for development without hardware. Checksums are computed at init.
var FixtureSentences = []string{
	AppendChecksum("GPGGA,120000.00,4722.6120,N,00832.5010,E,1,08,1.2,432.0,M,47.0,M,,"),
	AppendChecksum("GPRMC,120001.00,A,4722.6121,N,00832.5012,E,0.12,0.0,150126,,"),
	AppendChecksum("GPGGA,120002.00,4722.6122,N,00832.5013,E,1,08,1.1,432.1,M,47.0,M,,"),
	AppendChecksum("GPGSV,3,1,11,01,77,093,44,06,64,239,45,09,18,316,38,11,37,095,41"),
	AppendChecksum("GPGGA,120004.00,4722.6121,N,00832.5011,E,1,09,0.9,432.0,M,47.0,M,,"),
}

// TestablePort implements Porter with scripted reads and captured writes.
type TestablePort struct {
	mu     sync.Mutex
	reads  *bytes.Buffer
	writes *bytes.Buffer
	closed bool
	cond   *sync.Cond
}

func NewTestablePort() *TestablePort {
	p := &TestablePort{
		reads:  bytes.NewBuffer(nil),
		writes: bytes.NewBuffer(nil),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data is available or the port is closed.
func (p *TestablePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.reads.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed && p.reads.Len() == 0 {
		return 0, io.EOF
	}
	return p.reads.Read(buf)
}

func (p *TestablePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.writes.Write(buf)
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads.Write(data)
	p.cond.Signal()
}

// WrittenData returns everything written to the port so far.
func (p *TestablePort) WrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writes.Bytes()...)
}

// DisabledMux is a no-op Muxer used when no receiver is attached
// (--disable-gps). The server and admin routes run without a device;
// subscriber channels still close deterministically on Unsubscribe or
// Close so readers unblock during shutdown.
type DisabledMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledMux() *DisabledMux {
	return &DisabledMux{subscribers: make(map[string]chan string)}
}

func (d *DisabledMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// Already closing: hand back a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledMux) SendCommand(string) error { return nil }

func (d *DisabledMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/gps-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("gps disabled"))
	})
}
