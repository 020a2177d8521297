package position

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/banshee-data/mapfix/internal/gps"
	"github.com/banshee-data/mapfix/internal/monitoring"
)

// FixSource is the raw-sentence side of a gps.Muxer; the tracker only
// needs the subscription half.
type FixSource interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// Tracker consumes raw NMEA lines from a fix source, projects each fix
// through the projector, and fans the resulting positions out to its own
// subscribers. Sentences that don't parse, carry no lock, or cannot be
// projected (no calibration yet) are skipped; the loop never stops for
// bad input.
type Tracker struct {
	source    FixSource
	projector *Projector

	mu          sync.Mutex
	subscribers map[string]chan Position
	last        *Position
	lastFix     *gps.Fix
	// lastAccuracy carries the most recent HDOP-derived figure forward
	// onto RMC fixes, which have none of their own.
	lastAccuracy float64
}

// NewTracker returns a tracker joining the fix source to the projector.
func NewTracker(source FixSource, projector *Projector) *Tracker {
	return &Tracker{
		source:      source,
		projector:   projector,
		subscribers: make(map[string]chan Position),
	}
}

func trackerID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a channel receiving each projected position. The ID
// identifies the channel when unsubscribing.
func (t *Tracker) Subscribe() (string, chan Position) {
	id := trackerID()
	ch := make(chan Position)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (t *Tracker) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Last returns the most recently projected position, if any.
func (t *Tracker) Last() (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Position{}, false
	}
	return *t.last, true
}

// LastFix returns the most recent parsed fix, projected or not. Useful
// while the map is still uncalibrated.
func (t *Tracker) LastFix() (gps.Fix, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastFix == nil {
		return gps.Fix{}, false
	}
	return *t.lastFix, true
}

// Monitor runs until the context is cancelled or the source closes its
// line channel.
func (t *Tracker) Monitor(ctx context.Context) error {
	id, lines := t.source.Subscribe()
	defer t.source.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			t.handleLine(line)
		}
	}
}

func (t *Tracker) handleLine(line string) {
	fix, err := gps.ParseSentence(line)
	switch {
	case errors.Is(err, gps.ErrUnsupportedSentence), errors.Is(err, gps.ErrNoFix):
		return
	case err != nil:
		monitoring.Logf("gps: dropping sentence: %v", err)
		return
	}

	t.mu.Lock()
	if fix.Accuracy > 0 {
		t.lastAccuracy = fix.Accuracy
	} else if t.lastAccuracy > 0 {
		fix.Accuracy = t.lastAccuracy
	}
	f := fix
	t.lastFix = &f
	t.mu.Unlock()

	pos, err := t.projector.Project(fix)
	if err != nil {
		// No calibration yet, or the fix lands outside the invertible
		// region. The raw fix is still recorded above.
		return
	}

	t.mu.Lock()
	p := pos
	t.last = &p
	for _, ch := range t.subscribers {
		select {
		case ch <- pos:
		default:
			// Skip a full subscriber rather than stall the stream.
		}
	}
	t.mu.Unlock()
}
