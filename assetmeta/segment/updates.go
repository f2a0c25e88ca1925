package segment

import (
	"fmt"
	"strings"
)

// Action is what a write does with one metadata kind.
type Action int

const (
	// ActionKeep copies the existing payload unchanged.
	ActionKeep Action = iota
	// ActionRemove drops every segment of the kind.
	ActionRemove
	// ActionSet replaces (or inserts) the payload.
	ActionSet
)

func (a Action) String() string {
	switch a {
	case ActionRemove:
		return "remove"
	case ActionSet:
		return "set"
	}
	return "keep"
}

// Update is the instruction for one kind.
type Update struct {
	Action Action
	Data   []byte
}

// ExclusionMode is the granularity of hash exclusion.
type ExclusionMode int

const (
	// ExcludeDataOnly skips only payload bytes; framing is still hashed.
	ExcludeDataOnly ExclusionMode = iota
	// ExcludeFull skips every byte of the segment, framing included.
	ExcludeFull
)

func (m ExclusionMode) String() string {
	if m == ExcludeFull {
		return "full"
	}
	return "data"
}

// ParseExclusionMode accepts "full" and "data" (or "data-only").
func ParseExclusionMode(s string) (ExclusionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full":
		return ExcludeFull, nil
	case "data", "data-only", "dataonly", "":
		return ExcludeDataOnly, nil
	}
	return ExcludeDataOnly, fmt.Errorf("unknown exclusion mode: %q", s)
}

// HashMode selects how BMFF content is fed to a hash.
type HashMode int

const (
	// HashLiteral hashes the literal bytes outside exclusion zones.
	HashLiteral HashMode = iota
	// HashBoxOffsets feeds each non-excluded top-level box's 8-byte offset
	// instead of its bytes. Needs final offsets, so a finished file.
	HashBoxOffsets
)

func (m HashMode) String() string {
	if m == HashBoxOffsets {
		return "box-offsets"
	}
	return "literal"
}

// Processing controls what a write forwards to the processing callback.
type Processing struct {
	Exclude   []Kind
	Mode      ExclusionMode
	ChunkSize int
	HashMode  HashMode
}

// Excludes reports whether kind is excluded from processing.
func (p Processing) Excludes(kind Kind) bool {
	return containsKind(p.Exclude, kind)
}

// Chunk returns the effective streaming buffer size.
func (p Processing) Chunk() int {
	if p.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return p.ChunkSize
}

// Updates describes the edits a write applies.
type Updates struct {
	XMP        Update
	JUMBF      Update
	Processing Processing
}

// KeepAll copies every metadata kind unchanged.
func KeepAll() Updates {
	return Updates{Processing: Processing{ChunkSize: DefaultChunkSize}}
}

// RemoveAll drops XMP and manifests.
func RemoveAll() Updates {
	return KeepAll().RemoveXMP().RemoveJUMBF()
}

// WithXMP is KeepAll with a new XMP payload.
func WithXMP(xmp []byte) Updates {
	return KeepAll().SetXMP(xmp)
}

// WithJUMBF is KeepAll with a new manifest payload.
func WithJUMBF(jumbf []byte) Updates {
	return KeepAll().SetJUMBF(jumbf)
}

func (u Updates) SetXMP(xmp []byte) Updates {
	u.XMP = Update{Action: ActionSet, Data: xmp}
	return u
}

func (u Updates) RemoveXMP() Updates {
	u.XMP = Update{Action: ActionRemove}
	return u
}

func (u Updates) KeepXMP() Updates {
	u.XMP = Update{Action: ActionKeep}
	return u
}

func (u Updates) SetJUMBF(jumbf []byte) Updates {
	u.JUMBF = Update{Action: ActionSet, Data: jumbf}
	return u
}

func (u Updates) RemoveJUMBF() Updates {
	u.JUMBF = Update{Action: ActionRemove}
	return u
}

func (u Updates) KeepJUMBF() Updates {
	u.JUMBF = Update{Action: ActionKeep}
	return u
}

// ExcludeFromProcessing excludes kinds from the processing callback at the given granularity.
func (u Updates) ExcludeFromProcessing(kinds []Kind, mode ExclusionMode) Updates {
	u.Processing.Exclude = append([]Kind(nil), kinds...)
	u.Processing.Mode = mode
	return u
}

// WithChunkSize sets the streaming buffer size.
func (u Updates) WithChunkSize(size int) Updates {
	u.Processing.ChunkSize = size
	return u
}

// WithHashMode selects the hash mode requested from a write.
func (u Updates) WithHashMode(mode HashMode) Updates {
	u.Processing.HashMode = mode
	return u
}

// For returns the update for a metadata kind; other kinds are always kept.
func (u Updates) For(kind Kind) Update {
	switch kind {
	case KindXMP:
		return u.XMP
	case KindJUMBF:
		return u.JUMBF
	}
	return Update{Action: ActionKeep}
}
