package engine

import (
	"sync"
	"time"

	"snapfile-go/internal/codec"
	"snapfile-go/internal/job"
)

// Event reports a job state change or progress update.
type Event struct {
	Seq      int64      `json:"seq"`
	BatchID  string     `json:"batch_id"`
	JobID    string     `json:"job_id"`
	Name     string     `json:"name"`
	State    job.State  `json:"state"`
	Progress float64    `json:"progress"`
	ErrCode  codec.Code `json:"error_code,omitempty"`
	Time     time.Time  `json:"time"`
}

// hub fans batch events out to subscribers. Each subscriber has a bounded
// buffer; when it is full the oldest event is dropped so workers never block.
type hub struct {
	mu     sync.Mutex
	seq    int64
	next   int
	buffer int
	subs   map[int]chan Event
	closed bool
}

func newHub(buffer int) *hub {
	return &hub{buffer: buffer, subs: make(map[int]chan Event)}
}

// subscribe registers a new listener. The channel is closed once the batch
// finishes or the returned func is called.
func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	ev.Seq = h.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func stateEvent(d *job.Descriptor) Event {
	s := d.Snapshot()
	return Event{
		BatchID:  s.BatchID,
		JobID:    s.ID,
		Name:     s.Name,
		State:    s.State,
		Progress: s.Progress,
		ErrCode:  s.ErrCode,
	}
}
