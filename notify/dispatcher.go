package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

// DispatcherConfig sizes the delivery pool.
type DispatcherConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer < 0 {
		c.Buffer = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Dispatcher delivers board changes to a sink on background workers so that
// request handlers do not wait on Redis or the queue.
type Dispatcher struct {
	sink   domain.Publisher
	cfg    DispatcherConfig
	logger *log.Logger
	jobs   chan domain.Change
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher starts the workers.
func NewDispatcher(sink domain.Publisher, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if sink == nil {
		panic("notify.NewDispatcher: sink is nil")
	}
	if logger == nil {
		panic("Logger is not initialized")
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan domain.Change, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("change dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for ch := range d.jobs {
		d.deliver(ch, id)
	}
}

func (d *Dispatcher) deliver(ch domain.Change, worker int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	err := d.sink.Publish(ctx, ch)
	cancel()
	if err != nil {
		d.logger.Errorf("deliver change failed, err: %v, type: %s, task: %s, worker: %d", err, ch.Type, ch.TaskID, worker)
	}
}

// Publish hands the change to a worker. When the buffer stays full for the
// handoff timeout the change is delivered inline instead of being dropped.
func (d *Dispatcher) Publish(_ context.Context, ch domain.Change) error {
	if d.tryEnqueue(ch) {
		return nil
	}
	d.logger.WithFields(log.Fields{"type": ch.Type, "task": ch.TaskID}).Warn("dispatcher saturated, delivering inline")
	d.deliver(ch, -1)
	return nil
}

// Close stops accepting changes and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.jobs)
		d.wg.Wait()
	})
}

func (d *Dispatcher) tryEnqueue(ch domain.Change) bool {
	if ok, closed := trySendNonBlocking(d.jobs, ch); closed {
		return false
	} else if ok {
		return true
	}

	if d.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(d.jobs, ch, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(jobs chan domain.Change, ch domain.Change) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case jobs <- ch:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(jobs chan domain.Change, ch domain.Change, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case jobs <- ch:
		return true, false
	case <-timer:
		return false, false
	}
}
