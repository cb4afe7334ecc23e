package extreg

import (
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	events chan *RegistryChangeEvent
	fail   bool
}

func (l *recordingListener) NamespaceChanged(event *RegistryChangeEvent) error {
	l.events <- event
	if l.fail {
		return errors.New("boom")
	}
	return nil
}

func waitForJob(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch job did not complete in time")
	}
}

func TestDispatcherDeliversDeltasToListeners(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	d := NewEventDispatcher(om, func(fn func() error) error { return fn() }, logr.Discard())
	defer d.Stop()

	l := &recordingListener{events: make(chan *RegistryChangeEvent, 1)}
	d.AddListener(l, nil)

	delta := newRegistryDelta(1)
	delta.extensions = append(delta.extensions, ExtensionDelta{ExtensionID: 1, Kind: DeltaAdded})
	done := d.Schedule(map[int64]*RegistryDelta{1: delta}, nil)

	waitForJob(t, done)
	select {
	case ev := <-l.events:
		require.Equal(t, delta, ev.DeltaFor(1))
	default:
		t.Fatal("listener was not invoked")
	}
}

func TestDispatcherBundleFilterSkipsUnrelatedDeltas(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	d := NewEventDispatcher(om, func(fn func() error) error { return fn() }, logr.Discard())
	defer d.Stop()

	l := &recordingListener{events: make(chan *RegistryChangeEvent, 1)}
	filterBundle := int64(42)
	d.AddListener(l, &filterBundle)

	done := d.Schedule(map[int64]*RegistryDelta{7: newRegistryDelta(7)}, nil)
	waitForJob(t, done)

	select {
	case <-l.events:
		t.Fatal("filtered listener should not have been invoked")
	default:
	}
}

func TestDispatcherBundleFilterNarrowsDeliveredDeltas(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	d := NewEventDispatcher(om, func(fn func() error) error { return fn() }, logr.Discard())
	defer d.Stop()

	l := &recordingListener{events: make(chan *RegistryChangeEvent, 1)}
	filterBundle := int64(7)
	d.AddListener(l, &filterBundle)

	done := d.Schedule(map[int64]*RegistryDelta{
		7: newRegistryDelta(7),
		8: newRegistryDelta(8),
	}, nil)
	waitForJob(t, done)

	select {
	case ev := <-l.events:
		require.Equal(t, []int64{7}, ev.Bundles())
		require.Nil(t, ev.DeltaFor(8))
	default:
		t.Fatal("filtered listener with a matching delta was not invoked")
	}
}

func TestDispatcherListenerPanicDoesNotStopDelivery(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	d := NewEventDispatcher(om, func(fn func() error) error { return fn() }, logr.Discard())
	defer d.Stop()

	panicky := RegistryChangeListenerFunc(func(event *RegistryChangeEvent) error {
		panic("listener exploded")
	})
	tok := d.AddListener(panicky, nil)

	ok := &recordingListener{events: make(chan *RegistryChangeEvent, 1)}
	d.AddListener(ok, nil)

	done := d.Schedule(map[int64]*RegistryDelta{1: newRegistryDelta(1)}, nil)
	waitForJob(t, done)

	select {
	case <-ok.events:
	default:
		t.Fatal("second listener should still have been invoked after the first panicked")
	}

	status := d.LastStatus()
	require.Contains(t, status.ListenerErrors, tok)
}

func TestDispatcherJobsRunInSubmissionOrder(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	d := NewEventDispatcher(om, func(fn func() error) error { return fn() }, logr.Discard())
	defer d.Stop()

	order := make(chan int64, 2)
	d.AddListener(RegistryChangeListenerFunc(func(e *RegistryChangeEvent) error {
		order <- e.Bundles()[0]
		return nil
	}), nil)

	done1 := d.Schedule(map[int64]*RegistryDelta{1: newRegistryDelta(1)}, nil)
	done2 := d.Schedule(map[int64]*RegistryDelta{2: newRegistryDelta(2)}, nil)
	waitForJob(t, done1)
	waitForJob(t, done2)

	require.Equal(t, int64(1), <-order)
	require.Equal(t, int64(2), <-order)
}

func TestDispatcherListenerSnapshotIgnoresLaterRegistrations(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	d := NewEventDispatcher(om, func(fn func() error) error { return fn() }, logr.Discard())
	defer d.Stop()

	first := &recordingListener{events: make(chan *RegistryChangeEvent, 1)}
	d.AddListener(first, nil)

	done := d.Schedule(map[int64]*RegistryDelta{1: newRegistryDelta(1)}, nil)

	// Registered after scheduling: must not see the already-captured job.
	late := &recordingListener{events: make(chan *RegistryChangeEvent, 1)}
	d.AddListener(late, nil)

	waitForJob(t, done)
	select {
	case <-first.events:
	default:
		t.Fatal("snapshotted listener was not invoked")
	}
	select {
	case <-late.events:
		t.Fatal("listener registered after scheduling observed the job")
	default:
	}
}

func TestDispatcherRunsDeferredCleanup(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	p := &ExtensionPoint{UniqueIdentifier: "ns.point"}
	id := om.allocateExtensionPoint(p)
	om.unindexExtensionPoint("ns.point")

	d := NewEventDispatcher(om, func(fn func() error) error { return fn() }, logr.Discard())
	defer d.Stop()

	done := d.Schedule(nil, []cleanupID{{id: id, kind: KindExtensionPoint}})
	waitForJob(t, done)

	_, err := om.getObject(id, KindExtensionPoint)
	require.True(t, errors.Is(err, ErrStaleHandle))
}
