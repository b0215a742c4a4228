package root

import "github.com/achilleasa/partitionalloc/internal/sizing"

// Stats is a point-in-time snapshot of a root's memory accounting, used by
// cmd/partitiondemo and by tests asserting PurgeMemory actually freed
// something.
type Stats struct {
	TotalCommitted    sizing.Size
	TotalSuperPages   sizing.Size
	TotalDirectMapped sizing.Size
}

// Stats returns the root's current memory accounting.
func (r *Root) Stats() Stats {
	r.lock.Lock(0)
	defer r.lock.Unlock()
	return Stats{
		TotalCommitted:    r.committedBytes(),
		TotalSuperPages:   r.totalSuperPages,
		TotalDirectMapped: r.totalDirectMapped,
	}
}
