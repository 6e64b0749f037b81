package sharded

import "fmt"

// ShardRange is an inclusive byte range [Start, End].
type ShardRange struct {
	Start int64
	End   int64
}

func (r ShardRange) Len() int64 {
	return r.End - r.Start + 1
}

func (r ShardRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Plan splits filesize bytes into shards contiguous ranges. The last range absorbs the
// remainder, and shards is clamped to filesize so no range is empty.
func Plan(filesize int64, shards int) ([]ShardRange, error) {
	if filesize <= 0 {
		return nil, fmt.Errorf("%w: file size %d", ErrInvalidPlan, filesize)
	}
	if shards <= 0 {
		return nil, fmt.Errorf("%w: shard count %d", ErrInvalidPlan, shards)
	}
	if int64(shards) > filesize {
		shards = int(filesize)
	}
	step := filesize / int64(shards)
	ranges := make([]ShardRange, shards)
	for i := range shards {
		start := int64(i) * step
		ranges[i] = ShardRange{Start: start, End: start + step - 1}
	}
	ranges[shards-1].End = filesize - 1
	return ranges, nil
}
