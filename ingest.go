package extreg

import "fmt"

// The types below describe the contract the out-of-scope XML manifest
// parser fulfills: fully-populated, un-idd namespace trees handed to
// the core for allocation and linking. The core trusts and does not
// re-validate these beyond two checks it must own itself: null
// extension targets and duplicate extension-point identifiers.

// IngestedNamespace is the namespace payload the ingester delivers to
// Registry.Add.
type IngestedNamespace struct {
	BundleID         int64
	UniqueIdentifier string // may be empty for an anonymous contributor
	ExtensionPoints  []*IngestedExtensionPoint
	Extensions       []*IngestedExtension
}

// IngestedExtensionPoint is an extension point as delivered by the
// ingester, before id allocation.
type IngestedExtensionPoint struct {
	UniqueIdentifier string
	SimpleIdentifier string
	Schema           string
	Label            string
}

// IngestedExtension is an extension as delivered by the ingester, before
// id allocation.
type IngestedExtension struct {
	SimpleIdentifier         string
	ExtensionPointIdentifier string
	Label                    string
	Children                 []*IngestedConfigurationElement
}

// IngestedConfigurationElement is a configuration-element subtree node
// as delivered by the ingester. Elements at the third level of nesting
// and deeper (root -> child -> leaf) are materialized as
// ThirdLevelConfigurationElement and may carry ExtraData — typically a
// class-loader-bound executable-factory descriptor or source-location
// hint. ExtraData is serialized into the cache's extras
// segment by the writer, which is what ExtraDataOffset then points to.
type IngestedConfigurationElement struct {
	Name       string
	Value      string
	Attributes []string
	ExtraData  string
	Children   []*IngestedConfigurationElement
}

// materializeNamespace allocates ids for ns and its contents, inserting
// every record into m's tables, and returns the live Namespace. It does
// not link extensions to points — see Resolver.Add.
//
// Extensions with an empty ExtensionPointIdentifier are an ingester
// error: the core neither stores nor links them, and
// materializeNamespace reports them back via the returned error without
// having mutated the manager for any other part of ns.
func materializeNamespace(m *ObjectManager, ns *IngestedNamespace) (*Namespace, error) {
	for _, e := range ns.Extensions {
		if e.ExtensionPointIdentifier == "" {
			return nil, fmt.Errorf("extreg: extension %q in namespace %q has no target extension point identifier", e.SimpleIdentifier, ns.UniqueIdentifier)
		}
	}
	for _, p := range ns.ExtensionPoints {
		if _, collides := m.pointByUniqueID(p.UniqueIdentifier); collides {
			return nil, fmt.Errorf("extreg: extension point %q already exists; unique-identifier collisions must be rejected by the ingester", p.UniqueIdentifier)
		}
	}

	namespace := &Namespace{
		UniqueIdentifier: ns.UniqueIdentifier,
		BundleIDValue:    ns.BundleID,
	}

	pointIDs := make([]ID, 0, len(ns.ExtensionPoints))
	for _, p := range ns.ExtensionPoints {
		point := &ExtensionPoint{
			UniqueIdentifier: p.UniqueIdentifier,
			SimpleIdentifier: p.SimpleIdentifier,
			BundleIDValue:    ns.BundleID,
			Schema:           p.Schema,
			Label:            p.Label,
		}
		pointIDs = append(pointIDs, m.allocateExtensionPoint(point))
	}

	extIDs := make([]ID, 0, len(ns.Extensions))
	for _, e := range ns.Extensions {
		ext := &Extension{
			SimpleIdentifier:         e.SimpleIdentifier,
			ExtensionPointIdentifier: e.ExtensionPointIdentifier,
			Label:                    e.Label,
			NamespaceIdentifier:      ns.UniqueIdentifier,
			BundleIDValue:            ns.BundleID,
		}
		extID := m.allocateExtension(ext)
		ext.rawChildren = materializeConfigElements(m, extID, KindExtension, 0, e.Children, ns.BundleID)
		extIDs = append(extIDs, extID)
	}

	namespace.ExtensionPointIDs = pointIDs
	namespace.ExtensionIDs = extIDs
	m.AddNamespace(namespace)

	return namespace, nil
}

// thirdLevelDepth is the nesting depth (root=0, child=1, leaf=2, ...) at
// which configuration elements become ThirdLevelConfigurationElement
// records.
const thirdLevelDepth = 2

// materializeConfigElements recursively allocates a configuration-element
// subtree under parent (an Extension or another ConfigurationElement),
// returning the ordered list of the children's ids. depth is the
// nesting depth of nodes within this call (0 for an extension's direct
// children). Once depth reaches thirdLevelDepth every descendant is
// materialized as ThirdLevelConfigurationElement, since nesting only
// grows with depth.
func materializeConfigElements(m *ObjectManager, parent ID, parentKind Kind, depth int, nodes []*IngestedConfigurationElement, bundleID int64) []ID {
	ids := make([]ID, 0, len(nodes))
	for _, n := range nodes {
		base := ConfigurationElement{
			Name:          n.Name,
			Value:         n.Value,
			Attributes:    n.Attributes,
			Parent:        parent,
			ParentKind:    parentKind,
			BundleIDValue: bundleID,
		}

		if depth >= thirdLevelDepth {
			tl := &ThirdLevelConfigurationElement{ConfigurationElement: base, ExtraData: n.ExtraData}
			id := m.allocateThirdLevelConfigurationElement(tl)
			tl.rawChildren = materializeConfigElements(m, id, KindThirdLevelConfigurationElement, depth+1, n.Children, bundleID)
			ids = append(ids, id)
			continue
		}

		c := base
		id := m.allocateConfigurationElement(&c)
		c.rawChildren = materializeConfigElements(m, id, KindConfigurationElement, depth+1, n.Children, bundleID)
		ids = append(ids, id)
	}
	return ids
}
