// Package kpb gives the job-queue, allocator, and ELF-loader stats/snapshot
// surfaces a stable wire format, the way the runtime's kernel/gen/system/v1
// generated package lets kernel/threads/supervisor serialize its own
// bridge types for an external consumer. Rather than hand-maintaining a
// parallel .proto/.pb.go pair per struct (the runtime's own generated
// package is produced from a single system.proto covering several
// message kinds at once), each stats struct is converted to a
// self-describing google.protobuf.Struct via structpb: one schema, every
// snapshot kind, no codegen step to keep in sync as fields are added.
package kpb

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"magnolia/kernel/internal/arena"
	"magnolia/kernel/internal/elfload"
	"magnolia/kernel/internal/job"
)

// ArenaStats converts arena.Stats to its wire representation.
func ArenaStats(s arena.Stats) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"region_count":   float64(s.RegionCount),
		"total_capacity": float64(s.TotalCapacity),
		"used_bytes":     float64(s.UsedBytes),
		"peak_bytes":     float64(s.PeakBytes),
	})
}

// QueueStats converts job.Stats to its wire representation.
func QueueStats(s job.Stats) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"submitted": float64(s.Submitted),
		"executed":  float64(s.Executed),
		"failed":    float64(s.Failed),
		"dropped":   float64(s.Dropped),
	})
}

// ElfSnapshot converts an elfload.Snapshot to its wire representation.
func ElfSnapshot(s elfload.Snapshot) (*structpb.Struct, error) {
	mappings := make([]any, len(s.Mappings))
	for i, m := range s.Mappings {
		mappings[i] = map[string]any{
			"vaddr":      float64(m.VAddr),
			"size":       float64(m.Size),
			"executable": m.Executable,
		}
	}
	return structpb.NewStruct(map[string]any{
		"entry":         float64(s.Entry),
		"load_bias":     float64(s.LoadBias),
		"resolved_syms": float64(s.ResolvedSyms),
		"mappings":      mappings,
	})
}

// Marshal wraps proto.Marshal for callers that only hold a structpb.Struct
// and want the wire bytes an external inspector tool would consume.
func Marshal(s *structpb.Struct) ([]byte, error) {
	return proto.Marshal(s)
}
