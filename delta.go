package extreg

// DeltaKind distinguishes an added link from a removed one within an
// ExtensionDelta.
type DeltaKind uint8

const (
	// DeltaAdded marks an extension that became linked to an extension
	// point (including a formerly-orphan extension resolving).
	DeltaAdded DeltaKind = iota
	// DeltaRemoved marks an extension that was unlinked, either because
	// its extension point was removed or its namespace was removed.
	DeltaRemoved
)

// ExtensionDelta records one extension's link change during a mutation.
type ExtensionDelta struct {
	ExtensionID      ID
	ExtensionPointID string // dotted identifier the extension targets
	Kind             DeltaKind
}

// RegistryDelta accumulates the changes attributable to one bundle
// during a single mutation. The zero value is not usable;
// construct with newRegistryDelta.
type RegistryDelta struct {
	BundleID               int64
	extensions             []ExtensionDelta
	removedExtensionPoints map[string]struct{}
}

func newRegistryDelta(bundleID int64) *RegistryDelta {
	return &RegistryDelta{
		BundleID:               bundleID,
		removedExtensionPoints: make(map[string]struct{}),
	}
}

// Extensions returns the ordered list of extension link changes.
func (d *RegistryDelta) Extensions() []ExtensionDelta {
	return d.extensions
}

// RemovedExtensionPoints returns the set of unique identifiers of
// extension points removed during this mutation.
func (d *RegistryDelta) RemovedExtensionPoints() []string {
	out := make([]string, 0, len(d.removedExtensionPoints))
	for id := range d.removedExtensionPoints {
		out = append(out, id)
	}
	return out
}

func (d *RegistryDelta) isEmpty() bool {
	return len(d.extensions) == 0 && len(d.removedExtensionPoints) == 0
}

// deltaAccumulator builds per-bundle RegistryDelta entries during a
// mutation, under the write lock. It is a pure in-memory
// structure — it never touches the object manager or dispatches events.
type deltaAccumulator struct {
	byBundle map[int64]*RegistryDelta
	// hasListeners is consulted before recording an ADDED/REMOVED
	// extension delta: if there are no listeners, recording is skipped
	// as an optimization. It is never consulted for extension-point
	// removal, because that must still schedule physical cleanup even
	// with no listeners.
	hasListeners func() bool
}

func newDeltaAccumulator(hasListeners func() bool) *deltaAccumulator {
	return &deltaAccumulator{
		byBundle:     make(map[int64]*RegistryDelta),
		hasListeners: hasListeners,
	}
}

func (a *deltaAccumulator) delta(bundleID int64) *RegistryDelta {
	d, ok := a.byBundle[bundleID]
	if !ok {
		d = newRegistryDelta(bundleID)
		a.byBundle[bundleID] = d
	}
	return d
}

// recordExtensionChange appends an ADDED/REMOVED extension delta for
// bundleID, skipped entirely when no listener is registered.
func (a *deltaAccumulator) recordExtensionChange(bundleID int64, ed ExtensionDelta) {
	if !a.hasListeners() {
		return
	}
	a.delta(bundleID).extensions = append(a.delta(bundleID).extensions, ed)
}

// recordExtensionPointRemoved marks pointID as removed under bundleID.
// Unlike recordExtensionChange this is never skipped: extension-point
// removal triggers physical-removal scheduling that must happen
// regardless of whether any listener exists.
func (a *deltaAccumulator) recordExtensionPointRemoved(bundleID int64, pointID string) {
	a.delta(bundleID).removedExtensionPoints[pointID] = struct{}{}
}

// snapshot returns the accumulated per-bundle deltas and clears the
// accumulator, ready for the next mutation. Called by the dispatcher at
// scheduling time.
func (a *deltaAccumulator) snapshot() map[int64]*RegistryDelta {
	out := a.byBundle
	a.byBundle = make(map[int64]*RegistryDelta)
	return out
}

// isEmpty reports whether any bundle has accumulated a non-empty delta.
func (a *deltaAccumulator) isEmpty() bool {
	for _, d := range a.byBundle {
		if !d.isEmpty() {
			return false
		}
	}
	return true
}
