// Package quarantine implements the scheduler-loop quarantine: a deferred-free
// pool in front of a slot-span allocator. A freed object is retained for a
// bounded byte budget instead of being released immediately, converting
// use-after-free into detectable faults, optionally with the payload zapped.
//
// One Root exists per partition and aggregates statistics. Branches hold the
// entries; there can be many per root. A thread-bound branch belongs to one
// goroutine and takes no lock; a shared branch takes one mutex and hands victims
// back to the allocator outside of it in two phases.
//
//	PartitionRoot
//	      │
//	 Quarantine Root
//	 ┌────┼────────┐
//	Branch Branch Branch
package quarantine
