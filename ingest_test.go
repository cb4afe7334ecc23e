package extreg

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestMaterializeNamespaceRejectsEmptyExtensionTarget(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	_, err := materializeNamespace(om, &IngestedNamespace{
		BundleID: 1,
		Extensions: []*IngestedExtension{
			{SimpleIdentifier: "ext"},
		},
	})
	require.Error(t, err)
	require.Empty(t, om.namespaces)
}

func TestMaterializeNamespaceRejectsDuplicateExtensionPoint(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	_, err := materializeNamespace(om, &IngestedNamespace{
		BundleID: 1,
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.point"},
		},
	})
	require.NoError(t, err)

	_, err = materializeNamespace(om, &IngestedNamespace{
		BundleID: 2,
		ExtensionPoints: []*IngestedExtensionPoint{
			{UniqueIdentifier: "ns.point"},
		},
	})
	require.Error(t, err)
}

func TestMaterializeConfigElementsPromotesThirdLevel(t *testing.T) {
	om := NewObjectManager(logr.Discard())
	ns, err := materializeNamespace(om, &IngestedNamespace{
		BundleID: 1,
		Extensions: []*IngestedExtension{
			{
				SimpleIdentifier:         "ext",
				ExtensionPointIdentifier: "ns.point",
				Children: []*IngestedConfigurationElement{
					{Name: "root", Children: []*IngestedConfigurationElement{
						{Name: "child", Children: []*IngestedConfigurationElement{
							{Name: "leaf", ExtraData: "com.example.Factory"},
						}},
					}},
				},
			},
		},
	})
	require.NoError(t, err)

	ext, ok := om.extensions.Load(ns.ExtensionIDs[0])
	require.True(t, ok)
	rootID := ext.rawChildren[0]
	_, isThirdRoot := om.thirdLevel.Load(rootID)
	require.False(t, isThirdRoot, "depth 0 stays a plain configuration element")

	root, _ := om.configElements.Load(rootID)
	childID := root.rawChildren[0]
	_, isThirdChild := om.thirdLevel.Load(childID)
	require.False(t, isThirdChild, "depth 1 stays a plain configuration element")

	child, _ := om.configElements.Load(childID)
	leafID := child.rawChildren[0]
	leaf, isThirdLeaf := om.thirdLevel.Load(leafID)
	require.True(t, isThirdLeaf, "depth 2 is promoted to ThirdLevelConfigurationElement")
	require.Equal(t, "com.example.Factory", leaf.ExtraData)
}
