package extreg

import "sync/atomic"

// Kind tags which table an id belongs to. It is the discriminant of the
// tagged variant the entity model is built as.
type Kind uint8

const (
	// KindNamespace tags a Namespace record.
	KindNamespace Kind = iota
	// KindExtensionPoint tags an ExtensionPoint record.
	KindExtensionPoint
	// KindExtension tags an Extension record.
	KindExtension
	// KindConfigurationElement tags a ConfigurationElement record.
	KindConfigurationElement
	// KindThirdLevelConfigurationElement tags a ThirdLevelConfigurationElement
	// record — a ConfigurationElement that additionally carries an
	// extraDataOffset into the cache's extras segment.
	KindThirdLevelConfigurationElement
)

func (k Kind) String() string {
	switch k {
	case KindNamespace:
		return "Namespace"
	case KindExtensionPoint:
		return "ExtensionPoint"
	case KindExtension:
		return "Extension"
	case KindConfigurationElement:
		return "ConfigurationElement"
	case KindThirdLevelConfigurationElement:
		return "ThirdLevelConfigurationElement"
	default:
		return "UnknownKind"
	}
}

// ID is the monotonically-assigned integer identifier shared by every
// entity in the registry. Ids are never reused
// once freed by removal.
type ID int64

// idAllocator hands out strictly increasing ids for the lifetime of a
// single ObjectManager. It never runs backwards, even across removals.
type idAllocator struct {
	next atomic.Int64
}

func newIDAllocator() *idAllocator {
	a := &idAllocator{}
	a.next.Store(1)
	return a
}

func (a *idAllocator) allocate() ID {
	return ID(a.next.Add(1) - 1)
}

// reserve advances the allocator so that it never hands out an id <= used.
// Used when restoring from cache, where ids were already assigned on a
// previous run.
func (a *idAllocator) reserve(used ID) {
	for {
		cur := a.next.Load()
		if int64(used) < cur {
			return
		}
		if a.next.CompareAndSwap(cur, int64(used)+1) {
			return
		}
	}
}

// Handle is a lightweight, typed reference to an entity by (id, kind). It
// carries the ObjectManager it was issued from and resolves lazily: the
// manager may fault the record in from the cold cache on first access.
// A Handle must not outlive the ObjectManager it references; resolving a
// handle whose target has been physically removed fails with
// ErrStaleHandle.
type Handle struct {
	id      ID
	kind    Kind
	manager *ObjectManager
}

// ID returns the handle's identifier.
func (h Handle) ID() ID { return h.id }

// Kind returns the handle's entity kind.
func (h Handle) Kind() Kind { return h.kind }

// Equal reports whether two handles reference the same (id, kind) pair.
// Handle equality is defined over (id, kind) alone, not over the
// manager pointer.
func (h Handle) Equal(o Handle) bool {
	return h.id == o.id && h.kind == o.kind
}

// Resolve returns the live entity snapshot the handle refers to. On a
// cold cache hit this triggers lazy fault-in via the cache reader.
func (h Handle) Resolve() (RegistryObject, error) {
	if h.manager == nil {
		return nil, &StaleHandleError{ID: h.id, Kind: h.kind}
	}
	return h.manager.getObject(h.id, h.kind)
}

// newHandle binds a handle to the manager that issued it.
func newHandle(m *ObjectManager, id ID, kind Kind) Handle {
	return Handle{id: id, kind: kind, manager: m}
}
