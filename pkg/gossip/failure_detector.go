package gossip

// FailureDetector decides, from the local tick of an entry's last accepted
// refresh, whether a peer is still worth admitting and whether it should
// be dropped from the list.
type FailureDetector interface {
	// Admissible reports whether a never-before-seen entry last refreshed
	// at lastRefresh may be added at now.
	Admissible(lastRefresh, now int64) bool
	// Expired reports whether a known entry should be evicted at now.
	Expired(lastRefresh, now int64) bool
}

// TimeoutDetector is the plain heartbeat-timeout detector. FailTimeout
// gates admission of unknown peers; RemoveTimeout, which must be at least
// FailTimeout, gates eviction of known ones.
type TimeoutDetector struct {
	FailTimeout   int64
	RemoveTimeout int64
}

var _ FailureDetector = TimeoutDetector{}

func (d TimeoutDetector) Admissible(lastRefresh, now int64) bool {
	return now-lastRefresh <= d.FailTimeout
}

func (d TimeoutDetector) Expired(lastRefresh, now int64) bool {
	return now-lastRefresh >= d.RemoveTimeout
}
