package extreg

import (
	"fmt"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/go-logr/logr"
)

// ObjectManager owns the four per-kind tables, the id allocator, the
// namespace index, and the orphan table. It is the only
// place that mutates entity state; every mutation sets dirty.
//
// Hot records (created or faulted-in this run) live in the per-kind
// tables below. Cold records live behind the CacheReader and are copied
// into the hot tables on first access (lazy fault-in), so that mutated
// rows always take precedence over the cache. The three
// lazily-faulted tables are objectTables (sync.Map-backed) because
// fault-in happens while concurrent readers hold the monitor's read
// lock; namespaces and extension points are only ever written under
// the write lock or at Init and stay plain maps.
type ObjectManager struct {
	log logr.Logger

	ids *idAllocator

	namespaces      map[ID]*Namespace
	extensionPoints map[ID]*ExtensionPoint
	extensions      *objectTable[*Extension]
	configElements  *objectTable[*ConfigurationElement] // both kinds live here
	thirdLevel      *objectTable[*ThirdLevelConfigurationElement]

	// namespaceIndex maps bundle id to its Namespace, preserving the
	// order namespaces were added in.
	namespaceIndex *orderedmap.OrderedMap[int64, ID]

	// pointIndex maps an extension point's unique identifier to its id,
	// for O(1) lookup by dotted name.
	pointIndex *orderedmap.OrderedMap[string, ID]

	// orphans maps an extension-point identifier that is not currently
	// resident to the ordered list of extension ids targeting it.
	orphans *orderedmap.OrderedMap[string, []ID]

	// extsByBundle and pointsByBundle back extensionsFrom/extensionPointsFrom.
	extsByBundle   map[int64][]ID
	pointsByBundle map[int64][]ID

	// removed tombstones physically-removed ids so a cold copy in the
	// cache can never resurrect them through a later fault-in.
	removed map[ID]struct{}

	reader *CacheReader
	dirty  bool
}

// NewObjectManager creates an empty object manager. Callers typically
// follow this with Init to attempt a cache-backed restore.
func NewObjectManager(log logr.Logger) *ObjectManager {
	return &ObjectManager{
		log:             log,
		ids:             newIDAllocator(),
		namespaces:      make(map[ID]*Namespace),
		extensionPoints: make(map[ID]*ExtensionPoint),
		extensions:      newObjectTable[*Extension](),
		configElements:  newObjectTable[*ConfigurationElement](),
		thirdLevel:      newObjectTable[*ThirdLevelConfigurationElement](),
		namespaceIndex:  orderedmap.NewOrderedMap[int64, ID](),
		pointIndex:      orderedmap.NewOrderedMap[string, ID](),
		orphans:         orderedmap.NewOrderedMap[string, []ID](),
		extsByBundle:    make(map[int64][]ID),
		pointsByBundle:  make(map[int64][]ID),
		removed:         make(map[ID]struct{}),
	}
}

// Init attempts to initialize the manager from the on-disk cache via a
// CacheReader rooted at dir. If expectedStamp is non-nil, it succeeds
// only when the cache's stamp equals *expectedStamp
// (Config.CheckConfig); a nil expectedStamp accepts any readable cache
// regardless of its stamp. On any I/O or format failure, or on a stamp
// mismatch, Init returns false and leaves the manager empty — the
// caller falls back to a full rebuild from source manifests.
//
// On success every resident namespace from the cache's namespace file
// is installed into the hot tables immediately (namespaces are always
// memory-resident, never lazily faulted), the orphan table is restored,
// and every extension point is faulted in so the unique-identifier
// index is complete — name lookups and orphan resolution both depend
// on it. Extensions and configuration elements, the bulk of any real
// registry, remain cold until first access unless noLazyCacheLoading
// forces an eager fault-in of everything.
func (m *ObjectManager) Init(dir string, expectedStamp *int64, noLazyCacheLoading bool) bool {
	reader, err := OpenCacheReader(dir, expectedStamp)
	if err != nil {
		m.log.V(1).Info("cache init failed, falling back to rebuild", "error", err)
		return false
	}

	m.reader = reader
	m.ids.reserve(reader.maxID)
	for _, ns := range reader.namespaces {
		m.namespaces[ns.id] = ns
		m.namespaceIndex.Set(ns.BundleIDValue, ns.id)
		m.extsByBundle[ns.BundleIDValue] = append([]ID(nil), ns.ExtensionIDs...)
		m.pointsByBundle[ns.BundleIDValue] = append([]ID(nil), ns.ExtensionPointIDs...)
	}
	for _, oe := range reader.orphans {
		m.orphans.Set(oe.identifier, append([]ID(nil), oe.ids...))
	}
	for _, ns := range reader.namespaces {
		for _, pointID := range ns.ExtensionPointIDs {
			obj, gotKind, err := reader.Load(pointID)
			if err != nil || gotKind != KindExtensionPoint {
				m.log.V(1).Info("cache point fault-in failed, falling back to rebuild", "id", pointID, "error", err)
				m.reset()
				return false
			}
			m.hydrate(pointID, KindExtensionPoint, obj)
		}
	}

	if noLazyCacheLoading {
		if err := m.faultInAll(); err != nil {
			m.log.V(1).Info("cache fault-in failed, falling back to rebuild", "error", err)
			m.reset()
			return false
		}
	}
	return true
}

func (m *ObjectManager) reset() {
	m.reader = nil
	m.namespaces = make(map[ID]*Namespace)
	m.extensionPoints = make(map[ID]*ExtensionPoint)
	m.extensions = newObjectTable[*Extension]()
	m.configElements = newObjectTable[*ConfigurationElement]()
	m.thirdLevel = newObjectTable[*ThirdLevelConfigurationElement]()
	m.namespaceIndex = orderedmap.NewOrderedMap[int64, ID]()
	m.pointIndex = orderedmap.NewOrderedMap[string, ID]()
	m.orphans = orderedmap.NewOrderedMap[string, []ID]()
	m.extsByBundle = make(map[int64][]ID)
	m.pointsByBundle = make(map[int64][]ID)
	m.removed = make(map[ID]struct{})
}

// faultInAll reads every record from the cache eagerly, used when
// Config.NoLazyCacheLoading is set and before a save so no cold record
// is dropped from the next cache generation. Tombstoned ids are
// skipped — they are gone on purpose.
func (m *ObjectManager) faultInAll() error {
	ids, err := m.reader.AllIDs()
	if err != nil {
		return err
	}
	for _, entry := range ids {
		if _, gone := m.removed[entry.ID]; gone {
			continue
		}
		if _, err := m.getObject(entry.ID, entry.Kind); err != nil {
			return err
		}
	}
	return nil
}

// AddNamespace inserts ns into the namespace table and the bundle index.
// Its extension and extension-point records are inserted separately,
// through allocateExtension and allocateExtensionPoint. It does not
// resolve links — that is the Resolver's job.
func (m *ObjectManager) AddNamespace(ns *Namespace) {
	if ns.id == 0 {
		ns.id = m.ids.allocate()
	}
	m.namespaces[ns.id] = ns
	m.namespaceIndex.Set(ns.BundleIDValue, ns.id)
	m.dirty = true
}

// allocateExtensionPoint assigns an id and inserts p into its table and
// indices. Called by AddNamespace's caller (the Resolver) while building
// a namespace's contents.
func (m *ObjectManager) allocateExtensionPoint(p *ExtensionPoint) ID {
	p.id = m.ids.allocate()
	m.extensionPoints[p.id] = p
	m.pointIndex.Set(p.UniqueIdentifier, p.id)
	m.pointsByBundle[p.BundleIDValue] = append(m.pointsByBundle[p.BundleIDValue], p.id)
	m.dirty = true
	return p.id
}

func (m *ObjectManager) allocateExtension(e *Extension) ID {
	e.id = m.ids.allocate()
	m.extensions.Store(e.id, e)
	m.extsByBundle[e.BundleIDValue] = append(m.extsByBundle[e.BundleIDValue], e.id)
	m.dirty = true
	return e.id
}

func (m *ObjectManager) allocateConfigurationElement(c *ConfigurationElement) ID {
	c.id = m.ids.allocate()
	m.configElements.Store(c.id, c)
	m.dirty = true
	return c.id
}

func (m *ObjectManager) allocateThirdLevelConfigurationElement(c *ThirdLevelConfigurationElement) ID {
	c.id = m.ids.allocate()
	m.configElements.Store(c.id, &c.ConfigurationElement)
	m.thirdLevel.Store(c.id, c)
	m.dirty = true
	return c.id
}

// pointByUniqueID looks up an extension point's id by its dotted unique
// identifier. Points are always hot (allocated this run or faulted in
// at Init), so a miss means the point is not resident.
func (m *ObjectManager) pointByUniqueID(uniqueID string) (ID, bool) {
	return m.pointIndex.Get(uniqueID)
}

// getObject is the strict kind-checked accessor at the bottom of every
// lookup and fault-in. On kind mismatch it fails with
// KindMismatchError; on a removed id it fails with StaleHandleError.
func (m *ObjectManager) getObject(id ID, kind Kind) (RegistryObject, error) {
	switch kind {
	case KindNamespace:
		if ns, ok := m.namespaces[id]; ok {
			return ns, nil
		}
	case KindExtensionPoint:
		if p, ok := m.extensionPoints[id]; ok {
			return p, nil
		}
	case KindExtension:
		if e, ok := m.extensions.Load(id); ok {
			return e, nil
		}
	case KindConfigurationElement:
		if c, ok := m.configElements.Load(id); ok {
			if _, isThird := m.thirdLevel.Load(id); isThird {
				return nil, &KindMismatchError{ID: id, Expected: kind, Actual: KindThirdLevelConfigurationElement}
			}
			return c, nil
		}
	case KindThirdLevelConfigurationElement:
		if c, ok := m.thirdLevel.Load(id); ok {
			return c, nil
		}
		if _, ok := m.configElements.Load(id); ok {
			return nil, &KindMismatchError{ID: id, Expected: kind, Actual: KindConfigurationElement}
		}
	default:
		return nil, fmt.Errorf("extreg: unknown kind %v", kind)
	}

	// An id that is hot under a different kind is a kind mismatch.
	actual := kind
	if _, ok := m.namespaces[id]; ok {
		actual = KindNamespace
	} else if _, ok := m.extensionPoints[id]; ok {
		actual = KindExtensionPoint
	} else if _, ok := m.extensions.Load(id); ok {
		actual = KindExtension
	} else if _, ok := m.thirdLevel.Load(id); ok {
		actual = KindThirdLevelConfigurationElement
	} else if _, ok := m.configElements.Load(id); ok {
		actual = KindConfigurationElement
	}
	if actual != kind {
		return nil, &KindMismatchError{ID: id, Expected: kind, Actual: actual}
	}

	if m.reader != nil {
		if _, gone := m.removed[id]; gone {
			return nil, &StaleHandleError{ID: id, Kind: kind}
		}
		obj, gotKind, err := m.reader.Load(id)
		if err == nil {
			// Only the sync-table kinds may be hydrated here: this path
			// runs under the read lock, and the namespace/point tables
			// are plain maps written exclusively at Init or under the
			// write lock. Points are always hot after Init anyway, so a
			// point arriving here can only be a kind-mismatch read.
			switch gotKind {
			case KindExtension, KindConfigurationElement, KindThirdLevelConfigurationElement:
				m.hydrate(id, gotKind, obj)
			}
			if gotKind != kind {
				return nil, &KindMismatchError{ID: id, Expected: kind, Actual: gotKind}
			}
			return obj, nil
		}
	}

	return nil, &StaleHandleError{ID: id, Kind: kind}
}

// hydrate installs a record loaded from the cold cache into the
// appropriate hot table, so that any later mutation shadows the cache.
// Namespaces never pass through here — they live in the namespace
// file, not the table file, and are installed whole at Init.
func (m *ObjectManager) hydrate(id ID, kind Kind, obj RegistryObject) {
	switch kind {
	case KindExtensionPoint:
		p := obj.(*ExtensionPoint)
		p.id = id
		m.extensionPoints[id] = p
		m.pointIndex.Set(p.UniqueIdentifier, id)
	case KindExtension:
		e := obj.(*Extension)
		e.id = id
		m.extensions.Store(id, e)
	case KindConfigurationElement:
		c := obj.(*ConfigurationElement)
		c.id = id
		m.configElements.Store(id, c)
	case KindThirdLevelConfigurationElement:
		tl := obj.(*ThirdLevelConfigurationElement)
		tl.id = id
		m.configElements.Store(id, &tl.ConfigurationElement)
		m.thirdLevel.Store(id, tl)
	}
}

// getHandle returns a Handle for id/kind after validating the entity
// exists (or can be faulted in).
func (m *ObjectManager) getHandle(id ID, kind Kind) (Handle, error) {
	if _, err := m.getObject(id, kind); err != nil {
		return Handle{}, err
	}
	return newHandle(m, id, kind), nil
}

// getObjects is the bulk form of getObject.
func (m *ObjectManager) getObjects(ids []ID, kind Kind) ([]RegistryObject, error) {
	out := make([]RegistryObject, 0, len(ids))
	for _, id := range ids {
		obj, err := m.getObject(id, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// getHandles is the bulk form of getHandle.
func (m *ObjectManager) getHandles(ids []ID, kind Kind) ([]Handle, error) {
	out := make([]Handle, 0, len(ids))
	for _, id := range ids {
		h, err := m.getHandle(id, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// configElementKind reports whether id names a configuration element
// and, if so, which of the two kinds it is — consulting the cache
// table for records that have not been faulted in yet. Callers use it
// to pick the kind argument for getObject when walking a subtree whose
// nodes may straddle the hot/cold boundary.
func (m *ObjectManager) configElementKind(id ID) (Kind, bool) {
	if _, ok := m.thirdLevel.Load(id); ok {
		return KindThirdLevelConfigurationElement, true
	}
	if _, ok := m.configElements.Load(id); ok {
		return KindConfigurationElement, true
	}
	if m.reader != nil {
		if _, gone := m.removed[id]; gone {
			return 0, false
		}
		if e, ok := m.reader.table[id]; ok {
			if e.kind == KindConfigurationElement || e.kind == KindThirdLevelConfigurationElement {
				return e.kind, true
			}
		}
	}
	return 0, false
}

// unindexExtensionPoint removes the extension point identified by
// uniqueID from the name index only. The record itself stays resident
// in the id table — and therefore still resolvable by handle — until
// the dispatcher's deferred physical-cleanup phase calls remove with
// the point's id. It does not touch
// the point's formerly-linked extensions — the Resolver is responsible
// for moving those into the orphan table before calling this.
//
// It returns the point's id so the caller can schedule its physical
// removal, or 0, false if no such point was resident.
func (m *ObjectManager) unindexExtensionPoint(uniqueID string) (ID, bool) {
	id, ok := m.pointIndex.Get(uniqueID)
	if !ok {
		return 0, false
	}
	m.pointIndex.Delete(uniqueID)
	m.dirty = true
	return id, true
}

// remove physically deletes the record id/kind from its table. This is
// the deferred operation the dispatcher performs after every listener
// has observed the mutation's deltas: before this call the
// id remains resolvable by handle even though it is no longer reachable
// through any index. disposeDeep indicates the caller has already
// collected and is separately removing dependent rows (e.g. a
// configuration-element subtree), so remove itself never recurses.
func (m *ObjectManager) remove(id ID, kind Kind, disposeDeep bool) {
	switch kind {
	case KindNamespace:
		if ns, ok := m.namespaces[id]; ok {
			m.namespaceIndex.Delete(ns.BundleIDValue)
			delete(m.extsByBundle, ns.BundleIDValue)
			delete(m.pointsByBundle, ns.BundleIDValue)
		}
		delete(m.namespaces, id)
	case KindExtensionPoint:
		delete(m.extensionPoints, id)
	case KindExtension:
		m.extensions.Delete(id)
	case KindConfigurationElement, KindThirdLevelConfigurationElement:
		m.configElements.Delete(id)
		m.thirdLevel.Delete(id)
	}
	_ = disposeDeep
	m.removed[id] = struct{}{}
	m.dirty = true
}

// extensionsFrom returns the ids of extensions contributed by bundleID.
func (m *ObjectManager) extensionsFrom(bundleID int64) []ID {
	return m.extsByBundle[bundleID]
}

// extensionPointsFrom returns the ids of extension points contributed by
// bundleID.
func (m *ObjectManager) extensionPointsFrom(bundleID int64) []ID {
	return m.pointsByBundle[bundleID]
}

// namespaceByBundle returns the Namespace owned by bundleID, if any.
func (m *ObjectManager) namespaceByBundle(bundleID int64) (*Namespace, bool) {
	id, ok := m.namespaceIndex.Get(bundleID)
	if !ok {
		return nil, false
	}
	return m.namespaces[id], true
}

// allNamespaces returns every resident namespace, in add order.
func (m *ObjectManager) allNamespaces() []*Namespace {
	out := make([]*Namespace, 0, m.namespaceIndex.Len())
	for el := m.namespaceIndex.Front(); el != nil; el = el.Next() {
		out = append(out, m.namespaces[el.Value])
	}
	return out
}

// orphansFor returns the ordered list of extension ids currently parked
// under identifier, or nil if there are none.
func (m *ObjectManager) orphansFor(identifier string) []ID {
	ids, _ := m.orphans.Get(identifier)
	return ids
}

// addOrphan appends extID to the orphan list for identifier.
func (m *ObjectManager) addOrphan(identifier string, extID ID) {
	existing, _ := m.orphans.Get(identifier)
	m.orphans.Set(identifier, append(existing, extID))
}

// clearOrphans removes and returns the orphan list for identifier.
func (m *ObjectManager) clearOrphans(identifier string) []ID {
	existing, ok := m.orphans.Get(identifier)
	if !ok {
		return nil
	}
	m.orphans.Delete(identifier)
	return existing
}

// removeOrphan removes a single extension id from identifier's orphan
// list, if present.
func (m *ObjectManager) removeOrphan(identifier string, extID ID) {
	existing, ok := m.orphans.Get(identifier)
	if !ok {
		return
	}
	for i, id := range existing {
		if id == extID {
			existing = append(existing[:i], existing[i+1:]...)
			break
		}
	}
	if len(existing) == 0 {
		m.orphans.Delete(identifier)
	} else {
		m.orphans.Set(identifier, existing)
	}
}

// IsDirty reports whether any mutation has occurred since the manager
// was created or last saved.
func (m *ObjectManager) IsDirty() bool { return m.dirty }

// clearDirty resets the dirty flag, called after a successful save.
func (m *ObjectManager) clearDirty() { m.dirty = false }
