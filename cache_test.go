package extreg

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCacheSaveAndLoadRoundTrip(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	res := newResolver(om, newDeltaAccumulator(func() bool { return false }))

	ns, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point", Schema: "schema.exsd", Label: "Point"},
		},
		Extensions: []*IngestedExtension{
			{
				SimpleIdentifier:         "ext",
				ExtensionPointIdentifier: "ns.provider.point",
				Children: []*IngestedConfigurationElement{
					{
						Name:  "run",
						Value: "",
						Children: []*IngestedConfigurationElement{
							{Name: "class", Value: "", Children: []*IngestedConfigurationElement{
								{Name: "parameter", Attributes: []string{"name", "timeout"}, ExtraData: "com.example.Factory"},
							}},
						},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, SaveCache(dir, om, 12345))

	expected := int64(12345)
	reader, err := OpenCacheReader(dir, &expected)
	require.NoError(t, err)
	defer reader.Close()

	require.Len(t, reader.namespaces, 1)
	require.Equal(t, ns.UniqueIdentifier, reader.namespaces[0].UniqueIdentifier)

	pointID := ns.ExtensionPointIDs[0]
	obj, kind, err := reader.Load(pointID)
	require.NoError(t, err)
	require.Equal(t, KindExtensionPoint, kind)
	require.Equal(t, "ns.provider.point", obj.(*ExtensionPoint).UniqueIdentifier)

	extID := ns.ExtensionIDs[0]
	obj, kind, err = reader.Load(extID)
	require.NoError(t, err)
	require.Equal(t, KindExtension, kind)
	require.Equal(t, "ext", obj.(*Extension).SimpleIdentifier)

	// Walk down to the third-level leaf and confirm its ExtraData survived.
	extObj := obj.(*Extension)
	runID := extObj.rawChildren[0]
	runObj, runKind, err := reader.Load(runID)
	require.NoError(t, err)
	require.Equal(t, KindConfigurationElement, runKind)

	classID := runObj.(*ConfigurationElement).rawChildren[0]
	classObj, classKind, err := reader.Load(classID)
	require.NoError(t, err)
	require.Equal(t, KindConfigurationElement, classKind)

	paramID := classObj.(*ConfigurationElement).rawChildren[0]
	paramObj, paramKind, err := reader.Load(paramID)
	require.NoError(t, err)
	require.Equal(t, KindThirdLevelConfigurationElement, paramKind)
	require.Equal(t, "com.example.Factory", paramObj.(*ThirdLevelConfigurationElement).ExtraData)
}

// TestCacheRoundTripPreservesExtensionPointEquality checks that a
// record's full field set, not just the fields exercised by other
// assertions, survives a save/load cycle unchanged.
func TestCacheRoundTripPreservesExtensionPointEquality(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	res := newResolver(om, newDeltaAccumulator(func() bool { return false }))

	ns, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point", Schema: "schema.exsd", Label: "Point"},
		},
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "ext", ExtensionPointIdentifier: "ns.provider.point"},
		},
	})
	require.NoError(t, err)

	pointID := ns.ExtensionPointIDs[0]
	before := om.extensionPoints[pointID]

	dir := t.TempDir()
	require.NoError(t, SaveCache(dir, om, 99))

	reader, err := OpenCacheReader(dir, nil)
	require.NoError(t, err)
	defer reader.Close()

	obj, kind, err := reader.Load(pointID)
	require.NoError(t, err)
	require.Equal(t, KindExtensionPoint, kind)
	after := obj.(*ExtensionPoint)

	if diff := cmp.Diff(before, after, cmp.AllowUnexported(ExtensionPoint{})); diff != "" {
		t.Fatalf("extension point did not round-trip unchanged (-before +after):\n%s", diff)
	}
}

func TestCacheStampMismatchFails(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	dir := t.TempDir()
	require.NoError(t, SaveCache(dir, om, 1))

	wrong := int64(2)
	_, err := OpenCacheReader(dir, &wrong)
	require.Error(t, err)
}

func TestObjectManagerInitStampMismatchLeavesManagerEmpty(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	res := newResolver(om, newDeltaAccumulator(func() bool { return false }))
	_, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point"},
		},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, SaveCache(dir, om, 111))

	fresh := NewObjectManager(logr.Discard())
	wrong := int64(222)
	require.False(t, fresh.Init(dir, &wrong, false))
	require.Empty(t, fresh.namespaces)
	require.Zero(t, fresh.pointIndex.Len())
}

func TestCacheRestorePreservesOrphans(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	res := newResolver(om, newDeltaAccumulator(func() bool { return false }))
	consumer, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.consumer",
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "ext", ExtensionPointIdentifier: "ns.provider.point"},
		},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, SaveCache(dir, om, 7))

	fresh := NewObjectManager(logr.Discard())
	expected := int64(7)
	require.True(t, fresh.Init(dir, &expected, false))
	require.Equal(t, consumer.ExtensionIDs, fresh.orphansFor("ns.provider.point"))

	// A provider added after the restore resolves the persisted orphan,
	// faulting the cold extension in along the way.
	acc := newDeltaAccumulator(func() bool { return true })
	freshRes := newResolver(fresh, acc)
	provider, err := freshRes.Add(&IngestedNamespace{
		BundleID:         2,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point"},
		},
	})
	require.NoError(t, err)

	point := fresh.extensionPoints[provider.ExtensionPointIDs[0]]
	require.Equal(t, consumer.ExtensionIDs, point.rawChildren)
	require.Len(t, acc.delta(2).Extensions(), 1)
}

func TestObjectManagerInitRestoresLazily(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	res := newResolver(om, newDeltaAccumulator(func() bool { return false }))
	ns, err := res.Add(&IngestedNamespace{
		BundleID:         1,
		UniqueIdentifier: "ns.provider",
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.provider.point", SimpleIdentifier: "point"},
		},
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "ext", ExtensionPointIdentifier: "ns.provider.point"},
		},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, SaveCache(dir, om, 111))

	fresh := NewObjectManager(logr.Discard())
	expected := int64(111)
	require.True(t, fresh.Init(dir, &expected, false))

	// Namespaces and extension points are resident immediately (the
	// name index depends on the points); extensions stay cold until
	// first access.
	require.Len(t, fresh.namespaces, 1)
	require.Len(t, fresh.extensionPoints, 1)
	require.Zero(t, fresh.extensions.Size())

	pointID, ok := fresh.pointByUniqueID("ns.provider.point")
	require.True(t, ok)
	require.Equal(t, ns.ExtensionPointIDs[0], pointID)

	extID := ns.ExtensionIDs[0]
	obj, err := fresh.getObject(extID, KindExtension)
	require.NoError(t, err)
	require.Equal(t, "ext", obj.(*Extension).SimpleIdentifier)
	require.Equal(t, 1, fresh.extensions.Size(), "faulted-in record is now hot")

	// Ids allocated after a restore never collide with cached ones.
	next := fresh.ids.allocate()
	require.Greater(t, int64(next), int64(fresh.reader.maxID))
}
