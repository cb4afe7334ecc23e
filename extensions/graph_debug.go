package extensions

import (
	"fmt"
	"sort"

	"github.com/m1gwings/treedrawer/tree"

	extreg "github.com/pumped-fn/extreg"
)

// TreeDump renders every resident namespace, its extension points and
// their linked extensions, and each extension's configuration-element
// subtree as an ASCII tree, backing the extregctl inspect command. Output
// is deterministic: namespaces, points, extensions, and elements are
// all visited in a stable sort order rather than map iteration order.
func TreeDump(reg *extreg.Registry) (string, error) {
	namespaces, err := reg.GetNamespaces()
	if err != nil {
		return "", err
	}
	sort.Slice(namespaces, func(i, j int) bool {
		return namespaces[i].UniqueIdentifier < namespaces[j].UniqueIdentifier
	})

	root := tree.NewTree(tree.NodeString("registry"))
	for _, ns := range namespaces {
		label := ns.UniqueIdentifier
		if label == "" {
			label = fmt.Sprintf("(anonymous bundle %d)", ns.BundleIDValue)
		}
		nsNode := root.AddChild(tree.NodeString(label))
		if err := dumpNamespace(reg, nsNode, ns); err != nil {
			return "", err
		}
	}
	return root.String(), nil
}

func dumpNamespace(reg *extreg.Registry, nsNode *tree.Tree, ns *extreg.Namespace) error {
	bundleID := ns.BundleIDValue
	points, err := reg.GetExtensionPoints(&bundleID)
	if err != nil {
		return err
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].UniqueIdentifier < points[j].UniqueIdentifier
	})

	for _, p := range points {
		pointNode := nsNode.AddChild(tree.NodeString(p.UniqueIdentifier))
		exts, err := reg.GetExtensions(p.UniqueIdentifier)
		if err != nil {
			return err
		}
		sort.Slice(exts, func(i, j int) bool {
			return extensionLabel(exts[i]) < extensionLabel(exts[j])
		})
		for _, ext := range exts {
			extNode := pointNode.AddChild(tree.NodeString(extensionLabel(ext)))
			if err := dumpChildren(reg, extNode, ext); err != nil {
				return err
			}
		}
	}
	return nil
}

func extensionLabel(ext *extreg.Extension) string {
	if full := ext.FullIdentifier(); full != "" {
		return full
	}
	return fmt.Sprintf("(anonymous extension -> %s)", ext.ExtensionPointIdentifier)
}

// dumpChildren recurses over obj's configuration-element subtree,
// labeling each node with its tag name and, for a
// ThirdLevelConfigurationElement, its extra-data descriptor.
func dumpChildren(reg *extreg.Registry, node *tree.Tree, obj extreg.RegistryObject) error {
	children, err := reg.ChildrenOf(obj)
	if err != nil {
		return err
	}
	sort.Slice(children, func(i, j int) bool {
		return configLabel(children[i]) < configLabel(children[j])
	})
	for _, child := range children {
		childNode := node.AddChild(tree.NodeString(configLabel(child)))
		if err := dumpChildren(reg, childNode, child); err != nil {
			return err
		}
	}
	return nil
}

func configLabel(obj extreg.RegistryObject) string {
	switch v := obj.(type) {
	case *extreg.ThirdLevelConfigurationElement:
		if v.ExtraData != "" {
			return fmt.Sprintf("%s [%s]", v.Name, v.ExtraData)
		}
		return v.Name
	case *extreg.ConfigurationElement:
		return v.Name
	default:
		return fmt.Sprintf("id=%d", obj.ObjectID())
	}
}
