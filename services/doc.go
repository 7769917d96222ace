/*
Package services ties the protocol engine together for deployment.

The Orchestrator owns the study lifecycle: it routes every operation to
the right sub-component (key aggregation on join, commitment
verification on upload, the job workflow on requests/approvals/shares),
consults the external Computation Engine, and appends one audit entry
to the hash-chain ledger per state transition. All mutations to a given
study are serialized behind a per-study lock so quorum counting is
exact under concurrent callers.

Two Store implementations are provided:

  - MemoryStore: in-process, for tests and demos.
  - PostgresStore: durable persistence over database/sql + lib/pq,
    with the audit log's ordered-append guarantee enforced by a
    (study_id, sequence) primary key.

ComputeClient is an HTTP client for an external computation service
implementing the ComputationEngine, KeyAggregator, and ShareCombiner
collaborator contracts.
*/
package services
