package extreg

import (
	"fmt"

	"github.com/go-logr/logr"
)

// declaringExtensionWalkBound caps how many parent hops
// declaringExtension will follow before concluding the parent chain is
// corrupt and failing with ErrOrphanConsistency, rather than looping
// forever on a cyclic or dangling chain.
const declaringExtensionWalkBound = 64

// Registry is the public facade: every query and mutation a caller
// makes goes through here, which serializes access via monitor, keeps
// the object manager, resolver, and delta accumulator consistent, and
// forwards committed changes to the event dispatcher.
type Registry struct {
	log logr.Logger
	cfg Config
	dir string

	mon  monitor
	om   *ObjectManager
	res  *Resolver
	acc  *deltaAccumulator
	disp *EventDispatcher
}

// Open constructs a Registry, attempting a cache-backed restore from
// dir unless cfg.NoRegistryCache is set. expectedStamp is consulted
// only when cfg.CheckConfig is true.
func Open(dir string, cfg Config, expectedStamp int64, log logr.Logger) *Registry {
	om := NewObjectManager(log)

	r := &Registry{log: log, cfg: cfg, dir: dir, om: om}
	r.disp = NewEventDispatcher(om, r.withWrite, log)
	r.acc = newDeltaAccumulator(r.disp.hasListeners)
	r.res = newResolver(om, r.acc)

	if !cfg.NoRegistryCache {
		var stampPtr *int64
		if cfg.CheckConfig {
			stampPtr = &expectedStamp
		}
		om.Init(dir, stampPtr, cfg.NoLazyCacheLoading)
	}

	if cfg.Debug {
		r.disp.AddListener(debugListener{log: log.WithName("extreg.debug")}, nil)
	}

	return r
}

// debugListener is the printing listener Config.Debug subscribes at
// open time. It logs one line per changed bundle through the
// registry's own logger; hosts that want richer output attach
// extensions.NewLoggingListener via Dispatcher instead.
type debugListener struct {
	log logr.Logger
}

func (l debugListener) NamespaceChanged(event *RegistryChangeEvent) error {
	for _, bundleID := range event.Bundles() {
		delta := event.DeltaFor(bundleID)
		l.log.Info("registry changed",
			"bundle", bundleID,
			"extensionDeltas", len(delta.Extensions()),
			"removedExtensionPoints", delta.RemovedExtensionPoints(),
		)
	}
	return nil
}

// Dispatcher exposes the event dispatcher so a caller can attach the
// bundled debug listener (extensions.NewLoggingListener) when
// cfg.Debug is set, without this package importing that one back.
func (r *Registry) Dispatcher() *EventDispatcher { return r.disp }

func (r *Registry) withRead(fn func() error) error  { return r.mon.read(fn) }
func (r *Registry) withWrite(fn func() error) error { return r.mon.write(fn) }

// Add materializes and links one or more namespaces, then schedules a
// dispatch job carrying the accumulated deltas. All
// namespaces in a single call commit atomically with respect to other
// writers, but each produces its own per-bundle deltas.
func (r *Registry) Add(namespaces ...*IngestedNamespace) ([]*Namespace, error) {
	var added []*Namespace
	err := r.withWrite(func() error {
		for _, ns := range namespaces {
			n, err := r.res.Add(ns)
			if err != nil {
				return err
			}
			added = append(added, n)
		}
		r.scheduleLocked()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Remove detaches the namespace owned by bundleID and schedules its
// extensions' and extension points' physical cleanup once the
// dispatch job broadcasts. If the registry has no
// registered listener, Remove still schedules a job so cleanup runs —
// see EventDispatcher.Schedule.
func (r *Registry) Remove(bundleID int64) error {
	return r.withWrite(func() error {
		removedExt, removedPoints := r.res.Remove(bundleID)
		cleanup := make([]cleanupID, 0, len(removedExt)+len(removedPoints))
		for _, id := range removedExt {
			cleanup = append(cleanup, r.collectExtensionSubtree(id)...)
		}
		for _, id := range removedPoints {
			cleanup = append(cleanup, cleanupID{id: id, kind: KindExtensionPoint})
		}
		r.acc.delta(bundleID) // ensure a (possibly empty) entry exists for this bundle
		r.scheduleWith(cleanup)
		return nil
	})
}

// collectExtensionSubtree returns the cleanup ids for extID itself and
// every configuration element reachable beneath it, since an
// extension's removal also removes its declarative tree.
// Cold records are faulted in so the subtree is collected completely
// even when it has never been read this run.
func (r *Registry) collectExtensionSubtree(extID ID) []cleanupID {
	out := []cleanupID{{id: extID, kind: KindExtension}}
	obj, err := r.om.getObject(extID, KindExtension)
	if err != nil {
		return out
	}
	out = append(out, r.collectConfigSubtree(obj.RawChildren())...)
	return out
}

func (r *Registry) collectConfigSubtree(ids []ID) []cleanupID {
	var out []cleanupID
	for _, id := range ids {
		kind, ok := r.om.configElementKind(id)
		if !ok {
			continue
		}
		out = append(out, cleanupID{id: id, kind: kind})
		if obj, err := r.om.getObject(id, kind); err == nil {
			out = append(out, r.collectConfigSubtree(obj.RawChildren())...)
		}
	}
	return out
}

// scheduleLocked snapshots and clears the delta accumulator and hands
// it to the dispatcher with no cleanup ids (the Add path never
// physically removes anything).
func (r *Registry) scheduleLocked() {
	r.scheduleWith(nil)
}

func (r *Registry) scheduleWith(cleanup []cleanupID) {
	deltas := r.acc.snapshot()
	if len(deltas) == 0 && len(cleanup) == 0 {
		return
	}
	r.disp.Schedule(deltas, cleanup)
}

// AddRegistryChangeListener registers listener, optionally restricted
// to bundleFilter, and returns a token for later removal.
func (r *Registry) AddRegistryChangeListener(listener RegistryChangeListener, bundleFilter *int64) ListenerToken {
	return r.disp.AddListener(listener, bundleFilter)
}

// RemoveRegistryChangeListener unregisters the listener identified by
// tok.
func (r *Registry) RemoveRegistryChangeListener(tok ListenerToken) {
	r.disp.RemoveListener(tok)
}

// GetExtensionPoint resolves an extension point by its id.
func (r *Registry) GetExtensionPoint(id ID) (*ExtensionPoint, error) {
	var out *ExtensionPoint
	err := r.withRead(func() error {
		obj, err := r.om.getObject(id, KindExtensionPoint)
		if err != nil {
			return err
		}
		out = obj.(*ExtensionPoint)
		return nil
	})
	return out, err
}

// GetExtensionPointByUniqueID resolves an extension point by its
// dotted unique identifier, returning nil (not an error) when no such
// point is resident.
func (r *Registry) GetExtensionPointByUniqueID(uniqueID string) (*ExtensionPoint, error) {
	var out *ExtensionPoint
	err := r.withRead(func() error {
		id, ok := r.om.pointByUniqueID(uniqueID)
		if !ok {
			return nil
		}
		obj, err := r.om.getObject(id, KindExtensionPoint)
		if err != nil {
			return err
		}
		out = obj.(*ExtensionPoint)
		return nil
	})
	return out, err
}

// GetExtensionPointByParts is GetExtensionPointByUniqueID with the
// point's unique identifier split into its namespace and simple
// identifier parts.
func (r *Registry) GetExtensionPointByParts(namespace, simpleID string) (*ExtensionPoint, error) {
	return r.GetExtensionPointByUniqueID(namespace + "." + simpleID)
}

// GetExtensionPoints returns every resident extension point, or, when
// bundleID is non-nil, only those contributed by that bundle.
func (r *Registry) GetExtensionPoints(bundleID *int64) ([]*ExtensionPoint, error) {
	var out []*ExtensionPoint
	err := r.withRead(func() error {
		var ids []ID
		if bundleID != nil {
			ids = r.om.extensionPointsFrom(*bundleID)
		} else {
			for id := range r.om.extensionPoints {
				ids = append(ids, id)
			}
		}
		for _, id := range ids {
			obj, err := r.om.getObject(id, KindExtensionPoint)
			if err != nil {
				return err
			}
			out = append(out, obj.(*ExtensionPoint))
		}
		return nil
	})
	return out, err
}

// GetExtensions returns every extension linked to the extension point
// identified by pointUniqueID, in link order. An absent point yields a
// nil slice, not an error.
func (r *Registry) GetExtensions(pointUniqueID string) ([]*Extension, error) {
	var out []*Extension
	err := r.withRead(func() error {
		id, ok := r.om.pointByUniqueID(pointUniqueID)
		if !ok {
			return nil
		}
		point, err := r.om.getObject(id, KindExtensionPoint)
		if err != nil {
			return err
		}
		for _, extID := range point.RawChildren() {
			obj, err := r.om.getObject(extID, KindExtension)
			if err != nil {
				return err
			}
			out = append(out, obj.(*Extension))
		}
		return nil
	})
	return out, err
}

// GetExtension resolves a single extension by its full identifier
// (namespace + "." + simple identifier, as returned by
// Extension.FullIdentifier). It searches every resident namespace's
// extensions, linked or orphaned, and returns nil if none matches —
// an absent target is not an error.
func (r *Registry) GetExtension(fullID string) (*Extension, error) {
	var out *Extension
	err := r.withRead(func() error {
		for _, ns := range r.om.allNamespaces() {
			for _, extID := range r.om.extensionsFrom(ns.BundleIDValue) {
				obj, err := r.om.getObject(extID, KindExtension)
				if err != nil {
					return err
				}
				ext := obj.(*Extension)
				if ext.FullIdentifier() == fullID {
					out = ext
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

// GetExtensionByPoint resolves the single extension linked under the
// extension point identified by pointUniqueID whose simple or full
// identifier equals extensionID. Unlike GetExtensions, which returns
// every extension linked to a point, this looks for one specific
// contribution; an absent point or extension yields nil.
func (r *Registry) GetExtensionByPoint(pointUniqueID, extensionID string) (*Extension, error) {
	var out *Extension
	err := r.withRead(func() error {
		id, ok := r.om.pointByUniqueID(pointUniqueID)
		if !ok {
			return nil
		}
		point, err := r.om.getObject(id, KindExtensionPoint)
		if err != nil {
			return err
		}
		for _, extID := range point.RawChildren() {
			obj, err := r.om.getObject(extID, KindExtension)
			if err != nil {
				return err
			}
			ext := obj.(*Extension)
			if ext.SimpleIdentifier == extensionID || ext.FullIdentifier() == extensionID {
				out = ext
				return nil
			}
		}
		return nil
	})
	return out, err
}

// GetExtensionByPointParts is GetExtensionByPoint with the target
// point's unique identifier split into its namespace and simple
// identifier parts.
func (r *Registry) GetExtensionByPointParts(pointNamespace, pointSimpleID, extensionID string) (*Extension, error) {
	return r.GetExtensionByPoint(pointNamespace+"."+pointSimpleID, extensionID)
}

// GetExtensionsFrom returns every extension contributed by bundleID,
// regardless of whether each is currently linked or orphaned.
func (r *Registry) GetExtensionsFrom(bundleID int64) ([]*Extension, error) {
	var out []*Extension
	err := r.withRead(func() error {
		for _, id := range r.om.extensionsFrom(bundleID) {
			obj, err := r.om.getObject(id, KindExtension)
			if err != nil {
				return err
			}
			out = append(out, obj.(*Extension))
		}
		return nil
	})
	return out, err
}

// GetConfigurationElements returns the children of parent (an
// Extension or ConfigurationElement handle).
func (r *Registry) GetConfigurationElements(parent Handle) ([]RegistryObject, error) {
	var out []RegistryObject
	err := r.withRead(func() error {
		obj, err := r.om.getObject(parent.id, parent.kind)
		if err != nil {
			return err
		}
		for _, id := range obj.RawChildren() {
			kind, ok := r.om.configElementKind(id)
			if !ok {
				return &StaleHandleError{ID: id, Kind: KindConfigurationElement}
			}
			child, err := r.om.getObject(id, kind)
			if err != nil {
				return err
			}
			out = append(out, child)
		}
		return nil
	})
	return out, err
}

// GetConfigurationElementsFor returns the top-level configuration
// elements of every extension linked to the extension point identified
// by pointUniqueID, in link order. An absent point yields nil.
func (r *Registry) GetConfigurationElementsFor(pointUniqueID string) ([]RegistryObject, error) {
	exts, err := r.GetExtensions(pointUniqueID)
	if err != nil {
		return nil, err
	}
	var out []RegistryObject
	for _, ext := range exts {
		children, err := r.ChildrenOf(ext)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

// GetConfigurationElementsForParts is GetConfigurationElementsFor with
// the point's unique identifier split into its namespace and simple
// identifier parts.
func (r *Registry) GetConfigurationElementsForParts(pointNamespace, pointSimpleID string) ([]RegistryObject, error) {
	return r.GetConfigurationElementsFor(pointNamespace + "." + pointSimpleID)
}

// ChildrenOf returns obj's children resolved to live RegistryObjects,
// read the same way GetConfigurationElements reads an explicit Handle.
// It is exported for visualization/debug tooling that needs to walk an
// arbitrary subtree without reaching into package internals.
func (r *Registry) ChildrenOf(obj RegistryObject) ([]RegistryObject, error) {
	return r.GetConfigurationElements(newHandle(r.om, obj.ObjectID(), obj.ObjectKind()))
}

// GetNamespaces returns every resident namespace in add order.
func (r *Registry) GetNamespaces() ([]*Namespace, error) {
	var out []*Namespace
	err := r.withRead(func() error {
		out = r.om.allNamespaces()
		return nil
	})
	return out, err
}

// DeclaringExtension walks up a configuration element's parent chain
// until it finds the Extension that declared it, failing with
// ErrOrphanConsistency if the bound is exceeded without finding one.
func (r *Registry) DeclaringExtension(h Handle) (*Extension, error) {
	var out *Extension
	err := r.withRead(func() error {
		id, kind := h.id, h.kind
		for hops := 0; hops < declaringExtensionWalkBound; hops++ {
			obj, err := r.om.getObject(id, kind)
			if err != nil {
				return err
			}
			switch v := obj.(type) {
			case *Extension:
				out = v
				return nil
			case *ConfigurationElement:
				id, kind = v.Parent, v.ParentKind
			case *ThirdLevelConfigurationElement:
				id, kind = v.Parent, v.ParentKind
			default:
				return fmt.Errorf("%w: unexpected kind %s in parent chain", ErrOrphanConsistency, kind)
			}
		}
		return fmt.Errorf("%w: parent chain from (%d,%s) exceeded %d hops", ErrOrphanConsistency, h.id, h.kind, declaringExtensionWalkBound)
	})
	return out, err
}

// Stop shuts down the dispatcher and, unless cfg.NoRegistryCache is
// set, saves the current object manager state to the cache directory
// if it is dirty. Saves happen once at shutdown, never mid-run. A failed
// save is logged and swallowed: the cache is left as it was and the
// next Open rebuilds from source.
func (r *Registry) Stop(stamp int64) error {
	r.disp.Stop()
	if r.cfg.NoRegistryCache || !r.om.IsDirty() {
		return nil
	}
	if err := SaveCache(r.dir, r.om, stamp); err != nil {
		r.log.Error(err, "cache save failed, cache not updated")
		return nil
	}
	r.om.clearDirty()
	return nil
}
