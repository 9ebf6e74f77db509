// Package jobstore persists the execution state of every (sample, stage) node
// so that a run can be resumed by a fresh process.
//
// # Why the Job Store Exists
//
// The scheduler keeps node state private to each sample's loop. The job store
// is the only durable, shared structure: every state transition the scheduler
// makes is written here before the loop acts on it, and on restart the loop
// rebuilds its view purely from these records.
//
// # Layers
//
// The package has two layers:
//   - **Backend:** a byte-level key/value contract (Put, Get, List, Close).
//     Implementations exist for a local directory (file://), an embedded
//     pebble database (pebble://), an S3 prefix (s3://) and process memory
//     (mem://). Open picks one by URI scheme.
//   - **Store:** the typed contract callers use. It encodes JobRecords and the
//     RunManifest under canonical keys and classifies every backend failure as
//     flowerr.ErrStoreUnavailable.
//
// Callers never see which backend they are talking to.
//
// # Durability
//
// Every Put is durable before it returns: the file backend fsyncs the file
// and its directory, pebble writes with pebble.Sync, and S3 acknowledges the
// object. A record that was acknowledged survives a process restart.
//
// # Key Layout
//
//	<sampleId>/<stage>    one JobRecord per node
//	_run/manifest         the RunManifest the run was started with
//
// Sample ids cannot start with an underscore, so the reserved prefix never
// collides with a sample.
package jobstore
