// Package dag expands a sample into its directed acyclic graph of stages.
//
// Graph shape, for a sample with every optional stage enabled:
//
//	unpack (tar only)
//	  -> quality-check                    -?> package
//	  -> adapter-trim -> align            -?> package
//	                       -> quantify-method-a -?> package
//	                       -> quantify-method-b -?> package
//	                       -> align-qc          -?> package
//
// Package hangs off every producer through an optional edge (-?>): it waits
// for them to finish but tolerates their failure, so a failed branch only
// removes its own category from the archive. All other edges are hard and
// carry failures down as Skipped.
//
// Stages disabled by configuration are never added to the graph. That is
// distinct from a stage that becomes Skipped at run time.
package dag
