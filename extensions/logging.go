// Package extensions collects optional, non-core registry components:
// the debug listener and the tree-dump visualizer. Neither
// is required by the core object manager, resolver, or dispatcher;
// both are ordinary consumers of the public Registry/dispatcher API.
package extensions

import (
	"time"

	"github.com/go-logr/logr"

	extreg "github.com/pumped-fn/extreg"
)

// LoggingListener is a RegistryChangeListener that logs every dispatch
// job it observes: which bundles changed, how many extensions were
// added or removed, and which extension points were torn down. It
// never returns an error, so it never contributes to a dispatch job's
// DispatchStatus.
type LoggingListener struct {
	log logr.Logger
}

// NewLoggingListener creates a listener that writes to log at the info
// level, intended for attachment when Config.Debug is set.
func NewLoggingListener(log logr.Logger) *LoggingListener {
	return &LoggingListener{log: log.WithName("extreg.listener")}
}

// NamespaceChanged implements extreg.RegistryChangeListener.
func (l *LoggingListener) NamespaceChanged(event *extreg.RegistryChangeEvent) error {
	start := time.Now()
	for _, bundleID := range event.Bundles() {
		delta := event.DeltaFor(bundleID)
		if delta == nil {
			continue
		}
		added, removed := 0, 0
		for _, ed := range delta.Extensions() {
			if ed.Kind == extreg.DeltaAdded {
				added++
			} else {
				removed++
			}
		}
		l.log.Info("namespace changed",
			"bundle", bundleID,
			"extensionsAdded", added,
			"extensionsRemoved", removed,
			"extensionPointsRemoved", delta.RemovedExtensionPoints(),
		)
	}
	l.log.V(1).Info("dispatch observed", "duration", time.Since(start))
	return nil
}
