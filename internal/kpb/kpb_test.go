package kpb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnolia/kernel/internal/arena"
	"magnolia/kernel/internal/elfload"
	"magnolia/kernel/internal/job"
)

func TestArenaStatsRoundTrip(t *testing.T) {
	s, err := ArenaStats(arena.Stats{RegionCount: 2, TotalCapacity: 1024, UsedBytes: 256, PeakBytes: 512})
	require.NoError(t, err)
	assert.Equal(t, float64(2), s.Fields["region_count"].GetNumberValue())
	assert.Equal(t, float64(256), s.Fields["used_bytes"].GetNumberValue())

	b, err := Marshal(s)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
}

func TestQueueStatsRoundTrip(t *testing.T) {
	s, err := QueueStats(job.Stats{Submitted: 10, Executed: 8, Failed: 1, Dropped: 1})
	require.NoError(t, err)
	assert.Equal(t, float64(10), s.Fields["submitted"].GetNumberValue())
}

func TestElfSnapshotRoundTrip(t *testing.T) {
	snap := elfload.Snapshot{
		Entry:        0x1000,
		LoadBias:     0,
		ResolvedSyms: 3,
		Mappings:     []elfload.MappingInfo{{VAddr: 0x1000, Size: 64, Executable: true}},
	}
	s, err := ElfSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, float64(0x1000), s.Fields["entry"].GetNumberValue())
	mappings := s.Fields["mappings"].GetListValue().GetValues()
	require.Len(t, mappings, 1)
	assert.True(t, mappings[0].GetStructValue().Fields["executable"].GetBoolValue())
}
