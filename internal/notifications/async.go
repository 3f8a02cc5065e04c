package notifications

import (
	"sort"
	"sync"

	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
)

// Dispatcher hands notifications to a background worker so callers never
// wait on channel I/O. Nothing is dropped while the dispatcher is open: a
// backlog longer than the buffer is logged and drained in order.
type Dispatcher struct {
	target NotificationInterface
	buffer int
	wg     sync.WaitGroup

	mu      sync.Mutex
	ready   *sync.Cond
	pending []queuedNotification
	closed  bool
}

type queuedNotification struct {
	kind string
	send func() error
}

var _ NotificationInterface = (*Dispatcher)(nil)

func NewDispatcher(target NotificationInterface, buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		target: target,
		buffer: buffer,
	}
	d.ready = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.ready.Wait()
		}
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, n := range batch {
			if err := n.send(); err != nil {
				logrus.Errorf("Async %s failed: %v", n.kind, err)
			}
		}
	}
}

func (d *Dispatcher) enqueue(kind string, send func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		logrus.Errorf("Dispatcher closed, %s not sent", kind)
		return
	}
	d.pending = append(d.pending, queuedNotification{kind: kind, send: send})
	if backlog := len(d.pending); backlog > d.buffer {
		logrus.Warnf("Notification backlog at %d, %s queued behind it", backlog, kind)
	}
	d.ready.Signal()
}

// Backlog returns the number of notifications waiting for the worker.
func (d *Dispatcher) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) NotifyPublished(pub *models.Publication) error {
	snapshot := pub.Clone()
	d.enqueue("publication push", func() error { return d.target.NotifyPublished(snapshot) })
	return nil
}

func (d *Dispatcher) SendReport(report *models.Report) error {
	r := *report
	d.enqueue("report", func() error { return d.target.SendReport(&r) })
	return nil
}

func (d *Dispatcher) SendAlert(alert *models.Alert) error {
	a := *alert
	d.enqueue("alert", func() error { return d.target.SendAlert(&a) })
	return nil
}

// Close delivers everything still queued and stops the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.ready.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
