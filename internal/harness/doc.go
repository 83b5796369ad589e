// Package harness runs YAML scenarios against the real engine and compares
// their traces with golden files.
//
// A scenario names a directory of CUE resource definitions, a backend and a
// sequence of actions:
//
//	name: counter_lifecycle
//	specs: specs
//	backend: memory
//	setup:
//	  - {resource: Counter, action: create, params: {id: c1}}
//	flow:
//	  - resource: Counter
//	    action: increment
//	    id: c1
//	    params: {by: 2}
//	    expect: {outcome: ok, record: {score: 2}}
//	assertions:
//	  - {type: final_state, resource: Counter, id: c1, expect: {score: 2}}
//
// Each run gets a fresh data layer, a deterministic wall clock and
// sequential run ids, so the same scenario always produces the same trace.
// The trace records one step event per action and one notification event
// per released notification, in release order.
package harness
