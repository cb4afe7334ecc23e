package extreg

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/client-go/util/workqueue"
)

// RegistryChangeEvent is delivered to a RegistryChangeListener once per
// dispatch job. It wraps the per-bundle deltas snapshotted at the
// moment the mutation that produced them completed.
type RegistryChangeEvent struct {
	// CorrelationID ties this event's scheduling log line to its
	// completion log line across the dispatcher's async boundary.
	CorrelationID uuid.UUID
	deltas        map[int64]*RegistryDelta
}

// Bundles returns the ids of every bundle this event carries a delta
// for, in no particular order.
func (e *RegistryChangeEvent) Bundles() []int64 {
	out := make([]int64, 0, len(e.deltas))
	for id := range e.deltas {
		out = append(out, id)
	}
	return out
}

// DeltaFor returns the delta attributed to bundleID, or nil if this
// event carries none for it.
func (e *RegistryChangeEvent) DeltaFor(bundleID int64) *RegistryDelta {
	return e.deltas[bundleID]
}

// RegistryChangeListener observes committed mutations. A non-nil
// returned error is recorded against the dispatch job's status but
// never aborts delivery to the remaining listeners.
type RegistryChangeListener interface {
	NamespaceChanged(event *RegistryChangeEvent) error
}

// RegistryChangeListenerFunc adapts a plain function to a
// RegistryChangeListener.
type RegistryChangeListenerFunc func(event *RegistryChangeEvent) error

func (f RegistryChangeListenerFunc) NamespaceChanged(event *RegistryChangeEvent) error {
	return f(event)
}

// ListenerToken identifies a registered listener for later removal. It
// is opaque and carries no meaning beyond equality.
type ListenerToken int64

type registeredListener struct {
	token    ListenerToken
	listener RegistryChangeListener
	// bundleFilter, when non-nil, restricts delivery to dispatch jobs
	// that carry a delta for this exact bundle id. Namespace identity
	// and bundle id coincide one-to-one in this model, so the filter is
	// expressed directly over the bundle id deltas are keyed by rather
	// than re-deriving it from a namespace lookup.
	bundleFilter *int64
}

// cleanupID names one entity queued for deferred physical removal once
// a dispatch job's broadcast phase completes.
type cleanupID struct {
	id   ID
	kind Kind
}

// dispatchJob is one unit of work processed by the event dispatcher's
// single worker goroutine: the listener snapshot and delta snapshot
// captured at scheduling time, plus the ids to physically remove once
// every listener has observed the deltas.
type dispatchJob struct {
	correlationID uuid.UUID
	listeners     []registeredListener
	deltas        map[int64]*RegistryDelta
	cleanup       []cleanupID
	done          chan struct{} // closed once this job (including cleanup) finishes
}

// DispatchStatus reports what happened while processing one dispatch
// job: any listener errors, keyed by token, collected without
// interrupting delivery to the rest.
type DispatchStatus struct {
	ListenerErrors map[ListenerToken]error
}

// EventDispatcher serializes delivery of RegistryChangeEvents to
// registered listeners and performs the deferred physical-cleanup pass
// that follows each broadcast. At most one dispatch job is ever
// running: Schedule enqueues onto a FIFO work queue drained by a single
// goroutine, so later jobs wait in submission order and a job's cleanup
// always completes before the next job starts.
//
// A dispatch job's physical-cleanup phase does not run lock-free
// against the object manager: Go gives no safe way to mutate a map
// concurrently with a reader without some lock, so cleanup takes the
// registry's write monitor briefly, once per cleanup batch, via the
// withWrite callback supplied at construction. Taking the lock only around the cleanup batch keeps
// queries from ever blocking on listener delivery; writers and a
// running dispatch were never isolated from one another beyond that.
type EventDispatcher struct {
	log       logr.Logger
	om        *ObjectManager
	withWrite func(func() error) error

	queue workqueue.Interface

	listenersMu sync.Mutex
	listeners   []registeredListener
	nextToken   atomic.Int64

	lastMu sync.Mutex
	last   *DispatchStatus
}

// NewEventDispatcher creates a dispatcher bound to om and starts its
// single worker goroutine. withWrite must run its argument under the
// same monitor instance Registry uses for mutations.
func NewEventDispatcher(om *ObjectManager, withWrite func(func() error) error, log logr.Logger) *EventDispatcher {
	d := &EventDispatcher{
		om:        om,
		withWrite: withWrite,
		log:       log,
		queue:     workqueue.New(),
	}
	go d.run()
	return d
}

// AddListener registers listener, optionally restricted to changes
// affecting bundleFilter, and returns a token for later removal. This
// never blocks on or interacts with the dispatch queue.
func (d *EventDispatcher) AddListener(listener RegistryChangeListener, bundleFilter *int64) ListenerToken {
	tok := ListenerToken(d.nextToken.Add(1))
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, registeredListener{token: tok, listener: listener, bundleFilter: bundleFilter})
	return tok
}

// RemoveListener unregisters the listener identified by tok, if still
// present.
func (d *EventDispatcher) RemoveListener(tok ListenerToken) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	for i, l := range d.listeners {
		if l.token == tok {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *EventDispatcher) snapshotListeners() []registeredListener {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	return append([]registeredListener(nil), d.listeners...)
}

// hasListeners reports whether any listener is currently registered,
// consulted by the delta accumulator's recording optimization.
func (d *EventDispatcher) hasListeners() bool {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	return len(d.listeners) > 0
}

// Schedule snapshots the current listener list and enqueues a dispatch
// job carrying deltas and the ids to physically remove once delivery
// completes. It never blocks: the caller (Registry, still holding the
// write lock) hands off to the queue and returns immediately. If
// deltas is empty but cleanup is not — the no-listener,
// extension-point-removal case — a job is still scheduled so the
// physical cleanup runs, without needing to install a throwaway
// listener to force it.
//
// The returned channel closes once the job, including its cleanup
// phase, has finished; callers that don't need to wait may discard it.
func (d *EventDispatcher) Schedule(deltas map[int64]*RegistryDelta, cleanup []cleanupID) <-chan struct{} {
	job := &dispatchJob{
		correlationID: uuid.New(),
		listeners:     d.snapshotListeners(),
		deltas:        deltas,
		cleanup:       cleanup,
		done:          make(chan struct{}),
	}
	d.log.V(1).Info("dispatch job scheduled", "correlationID", job.correlationID, "bundles", len(deltas), "cleanup", len(cleanup))
	d.queue.Add(job)
	return job.done
}

// LastStatus returns the DispatchStatus of the most recently completed
// dispatch job, or nil if none has run yet.
func (d *EventDispatcher) LastStatus() *DispatchStatus {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return d.last
}

// Stop drains and shuts down the worker goroutine. It does not wait for
// an in-flight job to finish beyond what ShutDown already guarantees.
func (d *EventDispatcher) Stop() {
	d.queue.ShutDown()
}

func (d *EventDispatcher) run() {
	for {
		item, shutdown := d.queue.Get()
		if shutdown {
			return
		}
		job := item.(*dispatchJob)
		d.process(job)
		d.queue.Done(item)
	}
}

func (d *EventDispatcher) process(job *dispatchJob) {
	defer close(job.done)

	status := &DispatchStatus{ListenerErrors: make(map[ListenerToken]error)}
	event := &RegistryChangeEvent{CorrelationID: job.correlationID, deltas: job.deltas}

	for _, rl := range job.listeners {
		ev := event
		if rl.bundleFilter != nil {
			delta, ok := job.deltas[*rl.bundleFilter]
			if !ok {
				continue
			}
			// A filtered listener's event carries only the deltas matching
			// its filter, not the whole per-bundle snapshot.
			ev = &RegistryChangeEvent{
				CorrelationID: job.correlationID,
				deltas:        map[int64]*RegistryDelta{*rl.bundleFilter: delta},
			}
		}
		if err := d.deliver(rl.listener, ev); err != nil {
			status.ListenerErrors[rl.token] = err
			d.log.Error(err, "registry change listener failed", "token", rl.token)
		}
	}

	d.lastMu.Lock()
	d.last = status
	d.lastMu.Unlock()

	d.log.V(1).Info("dispatch job broadcast complete", "correlationID", job.correlationID, "listenerErrors", len(status.ListenerErrors))

	if len(job.cleanup) == 0 {
		return
	}
	if err := d.withWrite(func() error {
		for _, c := range job.cleanup {
			d.om.remove(c.id, c.kind, false)
		}
		return nil
	}); err != nil {
		d.log.Error(err, "deferred physical cleanup failed", "correlationID", job.correlationID)
	}
}

// deliver invokes listener, converting a panic into an error so one
// broken listener can never take down the dispatcher goroutine.
func (d *EventDispatcher) deliver(listener RegistryChangeListener, event *RegistryChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ListenerPanicError{Recovered: r}
		}
	}()
	return listener.NamespaceChanged(event)
}
