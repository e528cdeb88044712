// Package vdaf defines the capability interfaces the datastore core uses to
// treat VDAF-specific values (preparation state, preparation messages,
// output shares, aggregate shares) as opaque but combinable/encodable bytes,
// without itself containing any VDAF cryptography. Grounded on the trait
// bounds the Rust implementation places on its vdaf::Aggregator generic
// parameter in
// original_source/janus_server/src/aggregator/aggregate_share.rs's
// step_collect_job_generic.
package vdaf

import "context"

// Instance identifies which concrete VDAF a task uses, for selecting an
// Aggregator implementation; it carries no cryptographic meaning itself. The
// datastore package does not refer to it.
type Instance int

const (
	InstancePrio3Count Instance = iota
	InstancePrio3Sum
	InstancePrio3Histogram
	InstanceFake
)

// Aggregator is the capability a VDAF implementation must provide for the
// datastore core to drive aggregation-job preparation rounds and combine
// batch aggregations, without the core needing to know anything about the
// underlying cryptographic scheme.
type Aggregator interface {
	// PrepareInit produces the first preparation state and message for a
	// report, from its input share and the job's aggregation parameter.
	PrepareInit(ctx context.Context, aggregationParam, inputShare []byte) (prepState, prepMsg []byte, err error)

	// PrepareStep advances one report's preparation state given the
	// combined preparation message from the previous round. A nil prepMsg
	// and non-nil outputShare return indicates the report finished
	// preparation.
	PrepareStep(ctx context.Context, prepState, inboundPrepMsg []byte) (nextPrepState, nextPrepMsg, outputShare []byte, err error)

	// AggregateInit produces the zero-value aggregate share for
	// aggregationParam, the starting point CombineAggregateShares folds
	// output shares into.
	AggregateInit(ctx context.Context, aggregationParam []byte) ([]byte, error)

	// CombineAggregateShares folds b into a, associatively and
	// commutatively, returning the combined aggregate share.
	CombineAggregateShares(ctx context.Context, aggregationParam, a, b []byte) ([]byte, error)

	// Unshard recovers the final aggregate result from the leader and
	// helper's combined aggregate shares. Out of scope for the datastore
	// core itself (the core only stores and combines shares) but part of
	// the capability interface so a caller assembling a full aggregator can
	// implement it against the same Instance dispatch.
	Unshard(ctx context.Context, aggregationParam, leaderShare, helperShare []byte, reportCount uint64) ([]byte, error)
}

// QueryTypeDispatch selects the batch-identifier shape (time interval vs
// fixed size) a task's QueryType implies, mirroring the match over
// QueryType the Rust aggregator performs alongside its VdafInstance match.
type QueryTypeDispatch int

const (
	QueryTypeDispatchTimeInterval QueryTypeDispatch = iota
	QueryTypeDispatchFixedSize
)
