// Package workspace lays out the persistent task working directory used by
// the compile orchestrator.
//
// The layout is fixed: canonical valid/invalid analysis files and the
// well-known artifact-cache scratch root live under analysis/, compiled
// output under classes/ and resources/, and per-target bookkeeping under
// target_sources/ and fingerprints/. The scratch root is the one piece with
// special lifetime rules: background cache work may reference files under it
// after the orchestration call returns, so it is removed only at process
// shutdown.
package workspace
