package replication

import (
	"context"
	"time"

	"github.com/devrev/amza/internal/model"
)

// RowStream receives taken rows in txId order.
type RowStream interface {
	Row(ctx context.Context, txID int64, rowType model.RowType, data []byte) error
}

// StreamingRowsResult describes how a rows stream ended. Error is set when the
// remote answered but the stream failed, Unreachable when it could not be
// reached. OtherHighwaterMarks is set only when the stream ran to its end with
// the remote partition online, which means the taker caught up.
type StreamingRowsResult struct {
	Error               error
	Unreachable         error
	LeadershipToken     int64
	PartitionVersion    int64
	OtherHighwaterMarks map[model.RingMember]int64
}

// TakeRequest identifies one take from a remote member.
type TakeRequest struct {
	Local           model.RingMember
	Remote          model.RingMember
	RemoteHost      model.RingHost
	VPN             model.VersionedPartitionName
	SessionID       int64
	SharedKey       string
	TxID            int64
	LeadershipToken int64
}

// RowsTaker pulls rows from, and acknowledges rows to, remote members.
type RowsTaker interface {
	RowsStream(ctx context.Context, req TakeRequest, stream RowStream) StreamingRowsResult
	RowsTaken(ctx context.Context, req TakeRequest) error
	Pong(ctx context.Context, local, remote model.RingMember, remoteHost model.RingHost, sessionID int64, sharedKey string) error
}

// AvailableStream receives one offered (partition, txId) pair.
type AvailableStream func(vpn model.VersionedPartitionName, txID int64) error

// AvailableRowsRequest identifies one long poll to a remote member.
type AvailableRowsRequest struct {
	Local      model.RingMember
	LocalHost  model.RingHost
	Remote     model.RingMember
	RemoteHost model.RingHost
	SessionID  int64
	SharedKey  string
	Timeout    time.Duration
}

// AvailableRowsTaker long polls a remote member for partitions with rows to take.
type AvailableRowsTaker interface {
	AvailableRowsStream(ctx context.Context, req AvailableRowsRequest, fn AvailableStream) error
}

// TakeTarget is the local partition version a remote partition's rows go into.
type TakeTarget struct {
	VPN    model.VersionedPartitionName
	Online bool
}

// LocalPartitions is the local side of a take.
type LocalPartitions interface {
	// ResolveTakeTarget returns the local version to take name into. ok is false
	// when the take must be pushed back: the partition has no properties, no
	// store, or is expunged.
	ResolveTakeTarget(name model.PartitionName) (target TakeTarget, ok bool, err error)
	NumberOfStripes() int
	Stripe(name model.PartitionName) int
	// CommitTaken applies taken rows to vpn and returns how many changed it.
	CommitTaken(ctx context.Context, vpn model.VersionedPartitionName, rows []model.WALRow, highwater *model.WALHighwater) (int, error)
	LeadershipToken(vpn model.VersionedPartitionName) int64
	TookFully(remote model.RingMember, leadershipToken int64, vpn model.VersionedPartitionName) error
	WipeTheGlass(vpn model.VersionedPartitionName) error
}

// HighwaterStorage keeps the highest txId taken from each member per partition.
type HighwaterStorage interface {
	Get(member model.RingMember, vpn model.VersionedPartitionName) (int64, error)
	SetIfLarger(member model.RingMember, vpn model.VersionedPartitionName, updates int, txID int64) (bool, error)
}

// RingReader is the ring membership a RowChangeTaker needs.
type RingReader interface {
	RingMember() model.RingMember
	GetNeighboringRingMembers(ringName string) []model.RingMemberAndHost
	IsMemberOfRing(ringName string) bool
	GetRingHost(member model.RingMember) (model.RingHost, bool)
}

// TakeFailureListener is told about every take outcome.
type TakeFailureListener interface {
	FailedToTake(member model.RingMember, host model.RingHost, err error)
	TookFrom(member model.RingMember, host model.RingHost)
}
