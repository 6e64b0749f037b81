package sharded

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanPartitionsFile(t *testing.T) {
	sizes := []int64{1, 2, 3, 7, 10, 99, 100, 1000, 1001, 12345, 1 << 30}
	counts := []int{1, 2, 3, 4, 7, 10, 16, 100, 2000}
	for _, size := range sizes {
		for _, shards := range counts {
			t.Run(fmt.Sprintf("%d/%d", size, shards), func(t *testing.T) {
				ranges, err := Plan(size, shards)
				require.NoError(t, err)
				require.Len(t, ranges, int(min(int64(shards), size)))
				assert.Equal(t, int64(0), ranges[0].Start)
				assert.Equal(t, size-1, ranges[len(ranges)-1].End)
				var total int64
				for i, r := range ranges {
					assert.Positive(t, r.Len(), "range %d is empty", i)
					if i > 0 {
						assert.Equal(t, ranges[i-1].End+1, r.Start, "gap or overlap before range %d", i)
					}
					total += r.Len()
				}
				assert.Equal(t, size, total)
			})
		}
	}
}

func TestPlanRanges(t *testing.T) {
	tests := []struct {
		name   string
		size   int64
		shards int
		want   []ShardRange
	}{
		{"even split", 1000, 4, []ShardRange{{0, 249}, {250, 499}, {500, 749}, {750, 999}}},
		{"last absorbs remainder", 10, 3, []ShardRange{{0, 2}, {3, 5}, {6, 9}}},
		{"single shard", 5, 1, []ShardRange{{0, 4}}},
		{"clamped to size", 3, 8, []ShardRange{{0, 0}, {1, 1}, {2, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges, err := Plan(tt.size, tt.shards)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ranges)
		})
	}
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		size   int64
		shards int
	}{
		{0, 4},
		{-1, 4},
		{100, 0},
		{100, -2},
	}
	for _, tt := range tests {
		_, err := Plan(tt.size, tt.shards)
		assert.ErrorIs(t, err, ErrInvalidPlan, "size %d shards %d", tt.size, tt.shards)
	}
}

func TestShardRangeString(t *testing.T) {
	assert.Equal(t, "250-499", ShardRange{Start: 250, End: 499}.String())
	assert.Equal(t, int64(250), ShardRange{Start: 250, End: 499}.Len())
}
