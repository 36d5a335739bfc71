package syncer

import "github.com/warehouselabs/sortsync/internal/model"

// Merge reconciles a local and a remote task collection into one using
// whole-record last-writer-wins.
//
// The result is seeded with every local task; remote tasks absent locally
// are inserted, and on collision the record with the strictly later
// UpdatedAt wins, items included, with no field-level combination. Timestamp
// ties keep the local copy, a deliberate bias toward work done on the
// device. Merge is pure and idempotent: Merge(x, x) returns x.
func Merge(local, remote []model.Task) []model.Task {
	byID := make(map[string]int, len(local))
	merged := make([]model.Task, 0, len(local)+len(remote))

	for i := range local {
		byID[local[i].ID] = len(merged)
		merged = append(merged, local[i].Clone())
	}

	for i := range remote {
		rt := &remote[i]
		idx, ok := byID[rt.ID]
		if !ok {
			byID[rt.ID] = len(merged)
			merged = append(merged, rt.Clone())
			continue
		}
		if rt.UpdatedAt.After(merged[idx].UpdatedAt) {
			merged[idx] = rt.Clone()
		}
	}

	return merged
}
