package supervisor

const (
	gib = 1 << 30
	mib = 1 << 20
)

// ResourceProfile holds the container memory flags computed from host
// memory at launch. Zero values mean unconstrained.
type ResourceProfile struct {
	// Limit is the hard memory ceiling in bytes.
	Limit int64
	// Reservation is the soft guarantee in bytes, always below Limit.
	Reservation int64
}

// Unconstrained reports whether no memory flags should be applied. Small
// hosts run unconstrained so the only workload is never OOM-killed by its
// own limit.
func (p ResourceProfile) Unconstrained() bool { return p.Limit == 0 }

// ComputeResourceProfile derives memory flags from total host memory:
// hosts above 8 GiB keep 2 GiB of headroom for the OS and agent, hosts
// above 4 GiB keep 1 GiB, smaller hosts get no limit at all.
func ComputeResourceProfile(totalBytes uint64) ResourceProfile {
	var headroom int64
	switch {
	case totalBytes > 8*gib:
		headroom = 2 * gib
	case totalBytes > 4*gib:
		headroom = 1 * gib
	default:
		return ResourceProfile{}
	}
	limit := int64(totalBytes) - headroom
	reservation := limit - 512*mib
	if reservation < 0 {
		reservation = 0
	}
	return ResourceProfile{Limit: limit, Reservation: reservation}
}
