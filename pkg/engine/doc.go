// Package engine executes workflows.
//
// # Overview
//
// An Executor drives one workflow.Workflow to completion. A run goes
// through these steps:
//
//  1. Prepare - reset every NodeState and clear the previous errors and log
//  2. Validate - run Workflow.IsValid; any error fails the run at once
//  3. Schedule - submit every node without a connected input
//  4. Execute - run each node once its required inputs arrived
//  5. Propagate - hand outputs, or errors, to the connected inputs
//  6. Complete - the run is FINISHED when every node finished, else FAILED
//
// # Node Execution
//
// A node whose inputs carry errors is not executed: it fails with the
// merged upstream errors, which are passed on to its successors. Other
// nodes are marked RUNNING, then either served from the cache or executed
// under their timeout. Every declared output must receive a value whose
// runtime type converts to the declared type; absent Flow outputs are
// filled automatically.
//
// # Caching
//
// Deterministic nodes that were not modified since their last success are
// looked up in the cache.Cache given with WithCache. A hit is treated
// exactly like a successful execution.
//
// # Concurrency
//
// Tasks run on goroutines bounded by a weighted semaphore, shared between
// the executors of a Registry. A per-node mutex makes the ready check and
// the scheduling decision atomic, so no node runs twice in one run. Stop
// prevents new nodes from being scheduled without interrupting the ones
// already executing.
//
// # Listening
//
// A Listener receives run and node transitions and node log lines. The
// telemetry and stores packages provide listeners for events, metrics,
// tracing and run history.
package engine
