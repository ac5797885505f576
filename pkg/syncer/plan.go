package syncer

import (
	"fmt"
	"io/fs"

	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
)

// OpKind says where the bytes of one chunk come from.
type OpKind int

const (
	// OpKeep: the destination file already has the chunk at this offset.
	OpKeep OpKind = iota
	// OpCopy: the chunk is elsewhere in the destination.
	OpCopy
	// OpFetch: the chunk comes from the provider.
	OpFetch
)

func (k OpKind) String() string {
	switch k {
	case OpKeep:
		return "keep"
	case OpCopy:
		return "copy"
	case OpFetch:
		return "fetch"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op produces the chunk at Offset of the target file.
type Op struct {
	Kind   OpKind
	FP     chunk.Fingerprint
	Offset int64
	Len    int
	From   Location // OpKeep and OpCopy
}

// FilePlan is the work for one manifest file.
type FilePlan struct {
	Path string
	Size int64
	Mode fs.FileMode
	Ops  []Op
	// Unchanged files already match byte for byte and are not rewritten.
	Unchanged bool
	// CurrentMode is the permission of the existing file, if any.
	CurrentMode fs.FileMode
	Exists      bool
}

// Plan is the outcome of comparing the inventory with the manifest.
type Plan struct {
	Files       []FilePlan
	Unchanged   int
	FetchChunks int
	FetchBytes  int64
	ReuseBytes  int64
	// Extra lists destination files the manifest does not name.
	Extra []string
}

// Uses counts the provider fetches the plan makes per fingerprint.
func (p *Plan) Uses() map[chunk.Fingerprint]int {
	uses := make(map[chunk.Fingerprint]int)
	for _, f := range p.Files {
		if f.Unchanged {
			continue
		}
		for _, op := range f.Ops {
			if op.Kind == OpFetch {
				uses[op.FP]++
			}
		}
	}
	return uses
}

func buildPlan(m *manifest.Manifest, inv *inventory) *Plan {
	plan := &Plan{Files: make([]FilePlan, 0, len(m.Files))}
	named := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		named[f.Path] = true
		fp := FilePlan{Path: f.Path, Size: f.Size, Mode: f.Mode, Ops: make([]Op, 0, len(f.Chunks))}
		existing, exists := inv.files[f.Path]
		if exists {
			fp.Exists = true
			fp.CurrentMode = existing.Mode
		}
		keepAll := true
		for _, c := range f.Chunks {
			op := Op{FP: c.FP, Offset: c.Offset, Len: int(c.Len)}
			if have, n, ok := inv.at(f.Path, c.Offset); ok && have == c.FP && n == int(c.Len) {
				op.Kind = OpKeep
				op.From = Location{Path: f.Path, Offset: c.Offset, Len: n}
			} else if loc, ok := inv.chunks[c.FP]; ok {
				op.Kind = OpCopy
				op.From = loc
				keepAll = false
			} else {
				op.Kind = OpFetch
				keepAll = false
			}
			fp.Ops = append(fp.Ops, op)
		}
		fp.Unchanged = exists && keepAll && existing.Size == f.Size
		if fp.Unchanged {
			plan.Unchanged++
			plan.ReuseBytes += f.Size
		} else {
			for _, op := range fp.Ops {
				if op.Kind == OpFetch {
					plan.FetchChunks++
					plan.FetchBytes += int64(op.Len)
				} else {
					plan.ReuseBytes += int64(op.Len)
				}
			}
		}
		plan.Files = append(plan.Files, fp)
	}
	for _, p := range inv.paths {
		if !named[p] {
			plan.Extra = append(plan.Extra, p)
		}
	}
	return plan
}
