// Package preflight runs system checks before an import or on demand via
// `yiana doctor`.
//
// The checks cover:
//   - Free disk space at the repository, sized to the pending import
//   - Write permission in the repository root and the data directory
//   - The file descriptor limit against the import worker count
//   - Whether another process holds the index lock
//   - Documents that are still cloud placeholders (a warning only)
//
//	checker := preflight.New()
//	results := checker.RunAll(ctx, preflight.Target{Root: root, DataDir: dataDir})
//	if checker.HasCriticalFailures(results) {
//	    // refuse to import
//	}
package preflight
