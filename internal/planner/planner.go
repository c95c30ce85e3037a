package planner

import (
	"github.com/tanq16/prebuf/internal/utils"
)

// Plan splits the first ceil(total*percent/100) bytes of a resource into
// ascending chunks of chunkSize (the last one may be shorter). Plan order is
// fetch priority. An unknown total degrades to a single streaming task.
func Plan(total, chunkSize int64, prefetchPercent int) []utils.ChunkTask {
	if total <= 0 {
		return StreamingPlan()
	}
	if chunkSize <= 0 {
		chunkSize = utils.DefaultChunkSize
	}
	prefetchPercent = max(1, min(prefetchPercent, 100))
	target := TargetBytes(total, prefetchPercent)

	tasks := make([]utils.ChunkTask, 0, (target+chunkSize-1)/chunkSize)
	for start := int64(0); start < target; start += chunkSize {
		end := min(start+chunkSize, target) - 1
		tasks = append(tasks, utils.ChunkTask{
			ID:        len(tasks),
			StartByte: start,
			EndByte:   end,
			Status:    utils.ChunkPending,
		})
	}
	return tasks
}

func StreamingPlan() []utils.ChunkTask {
	return []utils.ChunkTask{{ID: 0, StartByte: 0, EndByte: -1, Status: utils.ChunkPending}}
}

func TargetBytes(total int64, prefetchPercent int) int64 {
	if prefetchPercent >= 100 {
		return total
	}
	return (total*int64(prefetchPercent) + 99) / 100
}
