package extreg

// Config selects the registry's optional behaviors: whether the
// on-disk cache is consulted at all, whether it is faulted in eagerly
// or lazily, whether its stamp is actually checked against the current
// contributing bundles, and whether debug logging is enabled.
type Config struct {
	// NoRegistryCache disables cache use entirely: Registry.Open always
	// starts from an empty object manager and Registry.Stop never saves.
	NoRegistryCache bool

	// NoLazyCacheLoading, when the cache is used, faults in every record
	// at open time instead of on first access.
	NoLazyCacheLoading bool

	// CheckConfig enables stamp validation: a cache whose stamp does not
	// equal the stamp computed from the current contributing bundles is
	// rejected and the registry rebuilds from scratch. When false, any
	// readable cache is accepted regardless of stamp.
	CheckConfig bool

	// Debug subscribes a printing listener at open time that logs every
	// dispatched change through the registry's logger.
	Debug bool
}

// BundleStamp is one contributing bundle's identity for stamp
// computation: its id and the last-modified time of the manifest it
// was ingested from, expressed as a Unix timestamp.
type BundleStamp struct {
	BundleID     int64
	LastModified int64
}

// ComputeStamp folds every contributing bundle's (id, lastModified)
// pair into a single int64 via XOR, so that adding, removing, or
// touching any one bundle changes the registry's overall stamp. The
// fold is order-independent by construction, so stamp equality never
// depends on ingestion order.
// Hosts compute it across every bundle contributing a manifest and
// pass the result to Open and Stop.
func ComputeStamp(bundles []BundleStamp) int64 {
	var stamp int64
	for _, b := range bundles {
		stamp ^= b.BundleID + b.LastModified
	}
	return stamp
}
