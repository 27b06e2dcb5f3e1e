package db

import (
	"sort"

	"github.com/airenas/memo-transcriber/internal/domain"
)

// sortRecordings orders pinned recordings first, newest first within a group
func sortRecordings(recs []*domain.Recording) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].IsPinned != recs[j].IsPinned {
			return recs[i].IsPinned
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func copyRecording(r *domain.Recording) *domain.Recording {
	res := *r
	res.Transcript = append([]domain.TimedSegment(nil), r.Transcript...)
	return &res
}
