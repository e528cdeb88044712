package datastore

import (
	"time"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

// Role distinguishes which of the two DAP participants a Task row describes.
type Role int

const (
	RoleLeader Role = iota
	RoleHelper
)

// QueryType distinguishes the two ways a batch can be identified, per
// spec.md section 3.
type QueryType int

const (
	QueryTypeTimeInterval QueryType = iota
	QueryTypeFixedSize
)

// BatchIdentifier is the sum type over the two concrete batch-identifying
// values: a half-open time range for time-interval tasks, or an opaque
// 32-byte id for fixed-size tasks. Exactly one of Interval or FixedSizeID is
// set, matching the task's QueryType.
type BatchIdentifier struct {
	Interval    *Interval
	FixedSizeID *[32]byte
}

// Interval is a half-open timestamp range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the half-open interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Task is the static configuration of one DAP task this aggregator
// participates in.
type Task struct {
	ID                       [32]byte
	AggregatorEndpoints      []string
	QueryType                QueryType
	VDAFVerifyKeys           [][]byte
	Role                     Role
	MaxBatchQueryCount       uint64
	TaskExpiration           *time.Time
	ReportExpiryAge          *time.Duration
	MinBatchSize             uint64
	TimePrecision            time.Duration
	ToleratedClockSkew       time.Duration
	CollectorHPKEConfig      codec.Encoded
	AggregatorAuthTokens     [][]byte
	CollectorAuthTokens      [][]byte
	HPKEKeys                 []TaskHPKEKeypair
}

// TaskHPKEKeypair is one HPKE keypair belonging to a Task, keyed by its
// wire-format config id.
type TaskHPKEKeypair struct {
	ConfigID   byte
	Config     codec.Encoded
	PrivateKey []byte
}

// ClientReport is one client-submitted report.
type ClientReport struct {
	TaskID               [32]byte
	ReportID             [16]byte
	Time                 time.Time
	ExtensionData        codec.Encoded
	LeaderEncryptedInput codec.Encoded
	HelperEncryptedInput codec.Encoded
}

// AggregationJobState is the lifecycle state of an AggregationJob, per
// spec.md section 3's aggregation-job state machine.
type AggregationJobState int

const (
	AggregationJobInProgress AggregationJobState = iota
	AggregationJobFinished
	AggregationJobAbandoned
)

// AggregationJob groups a batch of report aggregations processed together
// under one VDAF preparation round.
type AggregationJob struct {
	ID               [16]byte
	TaskID           [32]byte
	AggregationParam codec.Encoded
	State            AggregationJobState
	Round            uint64
	LastRequestHash  []byte

	// ClientTimestampInterval covers every report aggregation contained in
	// this job; GC cuts on its upper bound (spec.md section 4.5).
	ClientTimestampInterval Interval
	// PartialBatchID is the fixed-size batch this job contributes to; nil
	// for time-interval tasks, whose batch membership is derived from
	// ClientTimestampInterval instead.
	PartialBatchID *[32]byte

	LeaseExpiry   *time.Time
	LeaseToken    *[16]byte
	LeaseAttempts int
}

// ReportAggregationState is the lifecycle state of one ReportAggregation.
type ReportAggregationState int

const (
	ReportAggregationStart ReportAggregationState = iota
	ReportAggregationWaiting
	ReportAggregationFinished
	ReportAggregationFailed
)

// ReportAggregation is the per-report state within one AggregationJob.
type ReportAggregation struct {
	TaskID          [32]byte
	AggregationJobID [16]byte
	ReportID        [16]byte
	Time            time.Time
	Ord             uint64
	State           ReportAggregationState
	PrepState       codec.Encoded
	PrepMsg         codec.Encoded
	OutputShare     codec.Encoded
	ErrorCode       *uint8
}

// BatchState is the lifecycle state of a Batch, per spec.md section 3.
type BatchState int

const (
	BatchOpen BatchState = iota
	BatchClosing
	BatchClosed
)

// Batch tracks a single batch's aggregation progress for fixed-size tasks,
// or a time-bucketed aggregation window for time-interval tasks.
type Batch struct {
	TaskID           [32]byte
	BatchIdentifier  BatchIdentifier
	AggregationParam codec.Encoded
	State            BatchState
	OutstandingAggregationJobs uint64
	// ClientTimestampInterval covers every report contributing to this
	// batch. For fixed-size tasks (whose BatchIdentifier carries no
	// interval of its own) this is the only timestamp bound GC has to cut
	// against (spec.md section 4.5).
	ClientTimestampInterval Interval
}

// BatchAggregationState is the lifecycle state of a BatchAggregation shard,
// per spec.md section 3.
type BatchAggregationState int

const (
	BatchAggregationAggregating BatchAggregationState = iota
	BatchAggregationCollected
)

// BatchAggregation is one partial aggregate share accumulated for one shard
// of a batch, sharded by (AggregationParam, Ord) so multiple collection
// requests with different parameters, or multiple concurrently-updated
// shards of the same parameter, do not interfere.
type BatchAggregation struct {
	TaskID           [32]byte
	BatchIdentifier  BatchIdentifier
	AggregationParam codec.Encoded
	Ord              uint64
	State            BatchAggregationState
	AggregateShare   codec.Encoded
	ReportCount      uint64
	Checksum         [32]byte
}

// Combine folds other into ba, associatively and commutatively: it is safe to
// apply partial updates to a BatchAggregation row in any order, which is what
// lets concurrent aggregation jobs update the same row without serializing on
// each other beyond the row lock itself (grounded on the XOR-checksum
// combination in original_source/janus_server/src/aggregator/aggregate_share.rs).
func (ba *BatchAggregation) Combine(other BatchAggregation, combineShares func(a, b codec.Encoded) (codec.Encoded, error)) error {
	combined, err := combineShares(ba.AggregateShare, other.AggregateShare)
	if err != nil {
		return err
	}
	ba.AggregateShare = combined
	ba.ReportCount += other.ReportCount
	for i := range ba.Checksum {
		ba.Checksum[i] ^= other.Checksum[i]
	}
	return nil
}

// CollectionJobState is the lifecycle state of a CollectionJob, per
// spec.md section 3's collection-job state machine.
type CollectionJobState int

const (
	CollectionJobStart CollectionJobState = iota
	CollectionJobCollectable
	CollectionJobFinished
	CollectionJobAbandoned
	CollectionJobDeleted
)

// CollectionJob is one collector-initiated request to collect a batch.
type CollectionJob struct {
	ID               [16]byte
	TaskID           [32]byte
	BatchIdentifier  BatchIdentifier
	AggregationParam codec.Encoded
	State            CollectionJobState
	LeaderAggregateShare codec.Encoded
	HelperEncryptedAggregateShare codec.Encoded
	ReportCount      uint64

	LeaseExpiry   *time.Time
	LeaseToken    *[16]byte
	LeaseAttempts int
}

// AggregateShareJob is the helper-side record of an aggregate share computed
// in response to a leader's aggregate-share request.
type AggregateShareJob struct {
	TaskID           [32]byte
	BatchIdentifier  BatchIdentifier
	AggregationParam codec.Encoded
	HelperAggregateShare codec.Encoded
	ReportCount      uint64
	Checksum         [32]byte
}

// OutstandingBatch is a fixed-size-task batch that is open for new reports to
// be assigned to it, together with the report-count range spec.md section 4.4
// defines: MinSize counts only report aggregations in the finished state;
// MaxSize counts start|waiting|finished (excludes failed).
type OutstandingBatch struct {
	TaskID  [32]byte
	BatchID [32]byte
	MinSize uint64
	MaxSize uint64
}

// UnaggregatedReport is one (report_id, time) pair claimed by
// GetUnaggregatedClientReportIDsForTask; the time is needed by the caller to
// compute the aggregation job's ClientTimestampInterval.
type UnaggregatedReport struct {
	ReportID [16]byte
	Time     time.Time
}

// HpkeKeypairState is the lifecycle state of a GlobalHpkeKeypair, per
// spec.md section 3.
type HpkeKeypairState int

const (
	HpkeKeypairPending HpkeKeypairState = iota
	HpkeKeypairActive
	HpkeKeypairExpired
)

// GlobalHpkeKeypair is an HPKE keypair shared across all tasks, used when a
// task does not configure its own.
type GlobalHpkeKeypair struct {
	ConfigID   byte
	Config     codec.Encoded
	PrivateKey []byte
	State      HpkeKeypairState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
