package extreg

// Resolver links extensions to extension points and manages the orphan
// table. It operates directly on an ObjectManager and a
// deltaAccumulator under the caller's write lock; it never takes a lock
// itself.
type Resolver struct {
	om  *ObjectManager
	acc *deltaAccumulator
}

func newResolver(om *ObjectManager, acc *deltaAccumulator) *Resolver {
	return &Resolver{om: om, acc: acc}
}

// Add materializes ns into the object manager and links it: first
// resolving any orphans waiting on the namespace's new extension
// points, then linking (or orphaning) the namespace's own extensions.
func (r *Resolver) Add(ns *IngestedNamespace) (*Namespace, error) {
	namespace, err := materializeNamespace(r.om, ns)
	if err != nil {
		return nil, err
	}

	for _, pointID := range namespace.ExtensionPointIDs {
		point := r.om.extensionPoints[pointID]
		r.resolveOrphansFor(point)
	}

	for _, extID := range namespace.ExtensionIDs {
		ext, _ := r.om.extensions.Load(extID)
		r.linkOrOrphan(ext)
	}

	return namespace, nil
}

// resolveOrphansFor moves any extensions parked under point's unique
// identifier into point.rawChildren and records an ADDED delta for
// each, keyed by the point's own bundle — deltas always attribute a
// link change to the extension point's contributor.
func (r *Resolver) resolveOrphansFor(point *ExtensionPoint) {
	waiting := r.om.clearOrphans(point.UniqueIdentifier)
	if len(waiting) == 0 {
		return
	}
	point.rawChildren = append(point.rawChildren, waiting...)
	for _, extID := range waiting {
		if _, err := r.om.getObject(extID, KindExtension); err != nil {
			continue
		}
		r.acc.recordExtensionChange(point.BundleIDValue, ExtensionDelta{
			ExtensionID:      extID,
			ExtensionPointID: point.UniqueIdentifier,
			Kind:             DeltaAdded,
		})
	}
}

// linkOrOrphan appends ext to its target extension point's rawChildren
// if the point is resident, else parks it in the orphan table.
func (r *Resolver) linkOrOrphan(ext *Extension) {
	pointID, ok := r.om.pointByUniqueID(ext.ExtensionPointIdentifier)
	if !ok {
		r.om.addOrphan(ext.ExtensionPointIdentifier, ext.id)
		return
	}
	point := r.om.extensionPoints[pointID]
	point.rawChildren = append(point.rawChildren, ext.id)
	r.acc.recordExtensionChange(point.BundleIDValue, ExtensionDelta{
		ExtensionID:      ext.id,
		ExtensionPointID: ext.ExtensionPointIdentifier,
		Kind:             DeltaAdded,
	})
}

// Remove unlinks and then deletes the namespace owned by bundleID, in
// three steps whose order matters:
//  1. unlink the namespace's own extensions from their target points
//     (or drop them from the orphan table);
//  2. detach the namespace's own extension points, moving their
//     formerly-linked extensions back into the orphan table (they may
//     belong to still-resident namespaces);
//  3. remove the namespace record itself.
//
// It returns the set of ids that must be physically removed once
// dispatch completes: every extension that belonged to
// bundleID itself (removedExtensionIDs), and every extension point
// bundleID owned (removedPointIDs). Extensions merely re-orphaned
// because they belonged to one of bundleID's points but a different,
// still-resident namespace are not included — they remain resident as
// orphans.
func (r *Resolver) Remove(bundleID int64) (removedExtensionIDs, removedPointIDs []ID) {
	namespace, ok := r.om.namespaceByBundle(bundleID)
	if !ok {
		return nil, nil
	}

	for _, extID := range namespace.ExtensionIDs {
		obj, err := r.om.getObject(extID, KindExtension)
		if err != nil {
			continue
		}
		r.unlink(obj.(*Extension))
	}

	for _, pointID := range namespace.ExtensionPointIDs {
		point := r.om.extensionPoints[pointID]
		r.detachPoint(point, bundleID)
	}

	r.om.remove(namespace.id, KindNamespace, false)

	return append([]ID(nil), namespace.ExtensionIDs...), append([]ID(nil), namespace.ExtensionPointIDs...)
}

// unlink removes ext from its target point's rawChildren (recording a
// REMOVED delta) or, if it was never resolved, drops it from the orphan
// table silently.
func (r *Resolver) unlink(ext *Extension) {
	pointID, ok := r.om.pointByUniqueID(ext.ExtensionPointIdentifier)
	if !ok {
		r.om.removeOrphan(ext.ExtensionPointIdentifier, ext.id)
		return
	}
	point := r.om.extensionPoints[pointID]
	point.rawChildren = removeID(point.rawChildren, ext.id)
	r.acc.recordExtensionChange(point.BundleIDValue, ExtensionDelta{
		ExtensionID:      ext.id,
		ExtensionPointID: ext.ExtensionPointIdentifier,
		Kind:             DeltaRemoved,
	})
}

// detachPoint snapshots point's currently-linked extensions into a
// REMOVED delta, detaches the point, records its removal, and moves the
// formerly-linked extensions back into the orphan table — they must
// become orphans again, not be deleted, since they may belong to
// still-resident namespaces.
func (r *Resolver) detachPoint(point *ExtensionPoint, bundleID int64) {
	linked := point.rawChildren
	for _, extID := range linked {
		ext, err := r.om.getObject(extID, KindExtension)
		if err != nil {
			continue
		}
		e := ext.(*Extension)
		r.acc.recordExtensionChange(bundleID, ExtensionDelta{
			ExtensionID:      extID,
			ExtensionPointID: point.UniqueIdentifier,
			Kind:             DeltaRemoved,
		})
		r.om.addOrphan(point.UniqueIdentifier, e.id)
	}
	point.rawChildren = nil
	r.acc.recordExtensionPointRemoved(bundleID, point.UniqueIdentifier)
	r.om.unindexExtensionPoint(point.UniqueIdentifier)
}

func removeID(ids []ID, target ID) []ID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
