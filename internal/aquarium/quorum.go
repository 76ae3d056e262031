package aquarium

// QuorumCalculator computes majorities over a partition's ring.
type QuorumCalculator struct{}

// CalculateQuorum returns the number of members required for quorum.
func (QuorumCalculator) CalculateQuorum(members int) int {
	return (members / 2) + 1
}

// IsQuorumReached checks if acks reach quorum over members.
func (q QuorumCalculator) IsQuorumReached(acks, members int) bool {
	return acks >= q.CalculateQuorum(members)
}
