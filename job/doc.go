// Package job defines the core data types for batch execution: Job, Batch,
// Status, and Report.
//
// A Job is one unit of opaque work with a stable id. A Batch is a named,
// ordered collection of Jobs whose ids are unique within the batch. Both are
// immutable after construction. A Report is the outcome of one batch run:
// a total partition of the batch's job ids into succeeded and failed.
package job
