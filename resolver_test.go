package extreg

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*ObjectManager, *Resolver, *deltaAccumulator) {
	t.Helper()
	om := NewObjectManager(logr.Discard())
	acc := newDeltaAccumulator(func() bool { return true })
	res := newResolver(om, acc)
	return om, res, acc
}

func TestResolverAddLinksExtensionToExistingPoint(t *testing.T) {
	_, res, acc := newTestManager(t)

	_, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point"},
		},
	})
	require.NoError(t, err)

	ns2, err := res.Add(&IngestedNamespace{
		BundleID:         2,
		UniqueIdentifier: "ns.consumer",
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "ext", ExtensionPointIdentifier: "ns.provider.point"},
		},
	})
	require.NoError(t, err)
	require.Len(t, ns2.ExtensionIDs, 1)

	// The delta is attributed to the point's contributor, not the
	// extension's own bundle.
	delta := acc.delta(1)
	require.Len(t, delta.Extensions(), 1)
	require.Equal(t, DeltaAdded, delta.Extensions()[0].Kind)
}

func TestResolverAddOrphansExtensionWithUnknownPoint(t *testing.T) {
	om, res, acc := newTestManager(t)

	_, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.consumer",
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "ext", ExtensionPointIdentifier: "ns.missing.point"},
		},
	})
	require.NoError(t, err)

	require.Empty(t, acc.byBundle)
	require.Equal(t, []ID{1}, om.orphansFor("ns.missing.point"))
}

func TestResolverAddResolvesWaitingOrphansInInsertionOrder(t *testing.T) {
	_, res, acc := newTestManager(t)

	_, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.consumer.a",
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "first", ExtensionPointIdentifier: "ns.provider.point"},
		},
	})
	require.NoError(t, err)
	_, err = res.Add(&IngestedNamespace{
		BundleID:         2,
		UniqueIdentifier: "ns.consumer.b",
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "second", ExtensionPointIdentifier: "ns.provider.point"},
		},
	})
	require.NoError(t, err)

	ns, err := res.Add(&IngestedNamespace{
		BundleID:         3,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point"},
		},
	})
	require.NoError(t, err)

	pointID := ns.ExtensionPointIDs[0]
	point := res.om.extensionPoints[pointID]
	require.Len(t, point.rawChildren, 2)
	require.True(t, point.rawChildren[0] < point.rawChildren[1], "orphans resolve in the order they were parked")

	delta := acc.delta(3)
	require.Len(t, delta.Extensions(), 2)
}

func TestResolverRemoveReturnsLinkedExtensionsToOrphans(t *testing.T) {
	om, res, acc := newTestManager(t)

	provider, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point"},
		},
	})
	require.NoError(t, err)

	consumer, err := res.Add(&IngestedNamespace{
		BundleID:         2,
		UniqueIdentifier: "ns.consumer",
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "ext", ExtensionPointIdentifier: "ns.provider.point"},
		},
	})
	require.NoError(t, err)

	acc.snapshot() // clear deltas from the add phase

	removedExt, removedPoints := res.Remove(provider.BundleIDValue)
	require.Empty(t, removedExt, "the provider namespace contributed no extensions of its own")
	require.Equal(t, provider.ExtensionPointIDs, removedPoints)

	// The point is gone from the name index (logical removal)...
	_, ok := om.pointByUniqueID("ns.provider.point")
	require.False(t, ok)
	// ...but its record is still resident until the deferred cleanup.
	pointID := provider.ExtensionPointIDs[0]
	_, err = om.getObject(pointID, KindExtensionPoint)
	require.NoError(t, err)

	// The consumer's extension was not deleted, only re-orphaned.
	require.Equal(t, consumer.ExtensionIDs, om.orphansFor("ns.provider.point"))

	delta := acc.delta(provider.BundleIDValue)
	require.Contains(t, delta.RemovedExtensionPoints(), "ns.provider.point")
	extDelta := acc.delta(provider.BundleIDValue).Extensions()
	require.Len(t, extDelta, 1)
	require.Equal(t, DeltaRemoved, extDelta[0].Kind)
	require.Equal(t, consumer.ExtensionIDs[0], extDelta[0].ExtensionID)
}

func TestResolverRemoveOwnExtensionsAreReturnedForCleanup(t *testing.T) {
	_, res, _ := newTestManager(t)

	_, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point"},
		},
	})
	require.NoError(t, err)

	consumer, err := res.Add(&IngestedNamespace{
		BundleID:         2,
		UniqueIdentifier: "ns.consumer",
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "ext", ExtensionPointIdentifier: "ns.provider.point"},
		},
	})
	require.NoError(t, err)

	removedExt, removedPoints := res.Remove(consumer.BundleIDValue)
	require.Equal(t, consumer.ExtensionIDs, removedExt)
	require.Empty(t, removedPoints)
}
