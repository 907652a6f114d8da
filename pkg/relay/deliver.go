package relay

import "sync"

// deliverer runs a subscription's handler on its own goroutine. Pushes
// never block; snapshots queue up in order until the handler catches up.
type deliverer struct {
	fn Handler

	mu      sync.Mutex
	pending []Snapshot

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newDeliverer(fn Handler) *deliverer {
	d := &deliverer{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *deliverer) push(s Snapshot) {
	d.mu.Lock()
	d.pending = append(d.pending, s)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *deliverer) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			batch := d.pending
			d.pending = nil
			d.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, s := range batch {
				select {
				case <-d.stop:
					return
				default:
				}
				d.fn(s)
			}
		}
	}
}

// close stops delivery without waiting, so it is safe from inside fn.
// Snapshots still queued are dropped.
func (d *deliverer) close() {
	d.stopOnce.Do(func() { close(d.stop) })
}
