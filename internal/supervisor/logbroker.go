package supervisor

import (
	"sync"

	"github.com/seantiz/openscans/internal/model"
)

// feedBuffer is how many lines a follower may lag before lines are skipped
// for it. Worker output is never held back for a slow follower.
const feedBuffer = 64

// LogBroker relays worker output lines to everyone following a run.
// A run's feed ends when its worker is gone; following an ended run yields
// a channel that is already closed.
type LogBroker struct {
	mu    sync.Mutex
	feeds map[string]*runFeed
}

type runFeed struct {
	followers map[chan model.LogLine]struct{}
	ended     bool
}

// NewLogBroker returns an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{feeds: make(map[string]*runFeed)}
}

func (b *LogBroker) feed(runID string) *runFeed {
	f, ok := b.feeds[runID]
	if !ok {
		f = &runFeed{followers: make(map[chan model.LogLine]struct{})}
		b.feeds[runID] = f
	}
	return f
}

// Subscribe follows the output of runID. The channel is closed when the run
// ends; call the returned func to stop following earlier.
func (b *LogBroker) Subscribe(runID string) (<-chan model.LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.LogLine, feedBuffer)
	f := b.feed(runID)
	if f.ended {
		close(ch)
		return ch, func() {}
	}
	f.followers[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(f.followers, ch)
	}
}

// Publish hands line to the followers of its run.
func (b *LogBroker) Publish(line model.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.feeds[line.RunID]
	if !ok || f.ended {
		return
	}
	for ch := range f.followers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the feed of runID and releases its followers.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.feed(runID)
	f.ended = true
	for ch := range f.followers {
		close(ch)
	}
	clear(f.followers)
}
