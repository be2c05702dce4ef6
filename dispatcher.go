package cerver

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// DispatchMode selects where packets are handled.
type DispatchMode int

const (
	// DispatchInline handles every packet on the goroutine reading its connection.
	DispatchInline DispatchMode = iota

	// DispatchPool hands packets to a WorkerPool.
	// Packets of one connection keep their order.
	DispatchPool
)

func (m DispatchMode) String() string {
	switch m {
	case DispatchInline:
		return "inline"
	case DispatchPool:
		return "pool"
	default:
		return fmt.Sprintf("DispatchMode(%d)", int(m))
	}
}

// ParseDispatchMode parses "inline" or "pool".
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch s {
	case "", "inline":
		return DispatchInline, nil
	case "pool":
		return DispatchPool, nil
	default:
		return DispatchInline, fmt.Errorf("unknown dispatch mode %q", s)
	}
}

// dispatcher routes jobs to run, inline or through a WorkerPool.
type dispatcher struct {
	mode    DispatchMode
	pool    *WorkerPool
	run     func(Job)
	metrics *metrics
	log     *logrus.Entry
}

func newDispatcher(mode DispatchMode, workers, maxDepth int, run func(Job), m *metrics, log *logrus.Entry) *dispatcher {
	d := &dispatcher{mode: mode, run: run, metrics: m, log: log}
	if mode == DispatchPool {
		d.pool = NewWorkerPool(workers, maxDepth, d.runJob)
		d.pool.OnPanic = d.recovered
	}
	return d
}

// dispatch hands job over. Inline, it runs before dispatch returns.
func (d *dispatcher) dispatch(job Job) error {
	if d.pool == nil {
		d.exec(job)
		return nil
	}
	if err := d.pool.Submit(job); err != nil {
		d.metrics.rejectedJobs.Inc()
		return err
	}
	d.metrics.queuedJobs.Inc()
	return nil
}

func (d *dispatcher) runJob(job Job) {
	d.metrics.queuedJobs.Dec()
	d.run(job)
}

func (d *dispatcher) exec(job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.recovered(job, r)
		}
	}()
	d.run(job)
}

func (d *dispatcher) recovered(job Job, r interface{}) {
	d.metrics.handlerPanics.Inc()
	entry := d.log.WithField("job", job.Kind)
	if job.Packet != nil {
		entry = entry.WithField("packet", job.Packet.Type())
	}
	entry.Errorf("PANIC | %+v | %s", r, debug.Stack())
}

// stop waits for the queued jobs to run.
func (d *dispatcher) stop() {
	if d.pool != nil {
		d.pool.Stop()
	}
}
