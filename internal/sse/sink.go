package sse

import (
	"sync"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// maxConsecutiveLag bounds how many broadcasts in a row may find a
// subscriber's buffer full before it is disconnected outright. A subscriber
// that keeps lagging is one whose client has stopped reading; holding its
// channel open only delays the inevitable.
const maxConsecutiveLag = 5

// subscriber tracks one client's channel plus its consecutive-lag streak.
type subscriber struct {
	ch        chan domain.Event
	lagStreak int
}

// multicastSink fans one job's events out to every locally subscribed
// client. Each subscriber gets its own bounded channel so one slow reader
// cannot block delivery to the others or to the bus-ingest goroutine.
type multicastSink struct {
	mu      sync.Mutex
	jobID   string
	subs    map[int]*subscriber
	nextID  int
	bufSize int
}

func newMulticastSink(jobID string, bufSize int) *multicastSink {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &multicastSink{jobID: jobID, subs: make(map[int]*subscriber), bufSize: bufSize}
}

func (s *multicastSink) subscribe() (int, <-chan domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan domain.Event, s.bufSize)
	s.subs[id] = &subscriber{ch: ch}
	return id, ch
}

func (s *multicastSink) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
}

func (s *multicastSink) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// broadcast delivers ev to every subscriber. A subscriber whose buffer is
// full has its oldest buffered events dropped to make room for a LAGGED
// marker followed by the new event, per the drop-oldest backpressure
// policy. A subscriber that lags on maxConsecutiveLag broadcasts in a row is
// disconnected: its channel is closed and removed instead of being handed
// another LAGGED marker forever.
func (s *multicastSink) broadcast(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if s.trySend(sub, ev) {
			sub.lagStreak = 0
			continue
		}
		sub.lagStreak++
		if sub.lagStreak >= maxConsecutiveLag {
			close(sub.ch)
			delete(s.subs, id)
			observability.SSEStreamsClosedTotal.WithLabelValues("lag").Inc()
		}
	}
}

// trySend delivers ev to sub's channel, reporting whether it fit without
// dropping anything. A full channel has its two oldest events dropped so a
// LAGGED marker and ev fit behind the rest; a channel of capacity 1 keeps
// only the marker.
func (s *multicastSink) trySend(sub *subscriber, ev domain.Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
	}
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
		default:
		}
	}
	lagged := domain.Event{JobID: s.jobID, Status: "LAGGED", Timestamp: ev.Timestamp}
	select {
	case sub.ch <- lagged:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
	observability.SSEEventsDroppedTotal.WithLabelValues(s.jobID).Inc()
	return false
}

// closeAll closes every subscriber channel, used on manager shutdown.
func (s *multicastSink) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}
