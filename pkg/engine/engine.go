// Package engine defines the boundary between the matcher and the regex
// engine that actually compiles and scans patterns.
//
// The matcher never implements pattern matching itself. It marshals patterns
// into a Batch, asks an Engine for a Database, allocates Scratch space for it
// and dispatches the low-level match events the Engine reports.
package engine

import (
	"errors"
	"fmt"
)

// Flag modifies how a single expression is compiled. Values mirror
// hyperscan's HS_FLAG_* constants.
type Flag uint32

const (
	Caseless    Flag = 1 << 0  // case-insensitive matching
	DotAll      Flag = 1 << 1  // '.' matches newlines
	MultiLine   Flag = 1 << 2  // '^' and '$' match at line boundaries
	SingleMatch Flag = 1 << 3  // report at most one match per expression
	AllowEmpty  Flag = 1 << 4  // allow expressions that match the empty string
	UTF8        Flag = 1 << 5  // treat expression and input as UTF-8
	UCP         Flag = 1 << 6  // unicode property support
	Prefilter   Flag = 1 << 7  // compile in prefiltering mode
	SomLeftMost Flag = 1 << 8  // report the leftmost start of match
	Combination Flag = 1 << 9  // logical combination of other expressions
	Quiet       Flag = 1 << 10 // never report matches for this expression
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{Caseless, "caseless"},
	{DotAll, "dotall"},
	{MultiLine, "multiline"},
	{SingleMatch, "singlematch"},
	{AllowEmpty, "allowempty"},
	{UTF8, "utf8"},
	{UCP, "ucp"},
	{Prefilter, "prefilter"},
	{SomLeftMost, "leftmost"},
	{Combination, "combination"},
	{Quiet, "quiet"},
}

// String returns the flag names joined with '|'.
func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	var s string
	for _, fn := range flagNames {
		if f&fn.flag == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += fn.name
		f &^= fn.flag
	}
	if f != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("0x%x", uint32(f))
	}
	return s
}

// ParseFlag returns the Flag with the given name, as printed by Flag.String.
func ParseFlag(name string) (Flag, bool) {
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, true
		}
	}
	return 0, false
}

// Mode selects how a database is compiled and scanned. Values mirror
// hyperscan's HS_MODE_* constants.
type Mode uint32

const (
	ModeBlock    Mode = 1 << 0
	ModeStream   Mode = 1 << 1
	ModeVectored Mode = 1 << 2

	// Start-of-match horizons, only meaningful for streaming databases.
	ModeSomHorizonLarge  Mode = 1 << 24
	ModeSomHorizonMedium Mode = 1 << 25
	ModeSomHorizonSmall  Mode = 1 << 26

	// ScanModeMask covers the three mutually exclusive scan modes.
	ScanModeMask = ModeBlock | ModeStream | ModeVectored
	// HorizonMask covers the start-of-match horizon bits.
	HorizonMask = ModeSomHorizonLarge | ModeSomHorizonMedium | ModeSomHorizonSmall
)

// ScanMode returns the scan-mode bits of m.
func (m Mode) ScanMode() Mode {
	return m & ScanModeMask
}

// Horizon returns the start-of-match horizon bits of m.
func (m Mode) Horizon() Mode {
	return m & HorizonMask
}

func (m Mode) String() string {
	var s string
	switch m.ScanMode() {
	case ModeBlock:
		s = "block"
	case ModeStream:
		s = "stream"
	case ModeVectored:
		s = "vectored"
	default:
		s = fmt.Sprintf("invalid(0x%x)", uint32(m.ScanMode()))
	}
	switch m.Horizon() {
	case 0:
	case ModeSomHorizonLarge:
		s += "+som-large"
	case ModeSomHorizonMedium:
		s += "+som-medium"
	case ModeSomHorizonSmall:
		s += "+som-small"
	default:
		s += fmt.Sprintf("+som(0x%x)", uint32(m.Horizon()))
	}
	return s
}

// ValidateMode checks that exactly one scan mode is selected and at most one
// start-of-match horizon.
func ValidateMode(m Mode) error {
	switch m.ScanMode() {
	case ModeBlock, ModeStream, ModeVectored:
	default:
		return &CompileError{Code: CodeInvalid, Message: fmt.Sprintf("invalid mode %s: exactly one of block, stream or vectored is required", m), Expression: -1}
	}
	switch m.Horizon() {
	case 0, ModeSomHorizonLarge, ModeSomHorizonMedium, ModeSomHorizonSmall:
	default:
		return &CompileError{Code: CodeInvalid, Message: fmt.Sprintf("invalid mode %s: more than one start-of-match horizon", m), Expression: -1}
	}
	if m&^(ScanModeMask|HorizonMask) != 0 {
		return &CompileError{Code: CodeInvalid, Message: fmt.Sprintf("invalid mode 0x%x: unknown bits", uint32(m)), Expression: -1}
	}
	return nil
}

// ExtFlag marks which fields of an Ext are in use. Values mirror
// hyperscan's HS_EXT_FLAG_* constants.
type ExtFlag uint64

const (
	ExtMinOffset       ExtFlag = 1 << 0
	ExtMaxOffset       ExtFlag = 1 << 1
	ExtMinLength       ExtFlag = 1 << 2
	ExtEditDistance    ExtFlag = 1 << 3
	ExtHammingDistance ExtFlag = 1 << 4
)

// Ext holds the extended constraints of one expression. A field is only
// honoured when its bit is set in Flags.
type Ext struct {
	Flags           ExtFlag
	MinOffset       uint64 // minimum end offset of a match
	MaxOffset       uint64 // maximum end offset of a match
	MinLength       uint64 // minimum match length
	EditDistance    uint32 // Levenshtein distance to allow
	HammingDistance uint32 // Hamming distance to allow
}

// Has reports whether flag is set.
func (e *Ext) Has(flag ExtFlag) bool {
	return e != nil && e.Flags&flag != 0
}

// Batch is a pattern set marshalled for compilation. The slices are
// parallel: element i of each describes expression i. Exts entries may be nil.
type Batch struct {
	Expressions []string
	Flags       []Flag
	IDs         []uint32
	Exts        []*Ext
	Mode        Mode
}

// Len returns the number of expressions in the batch.
func (b *Batch) Len() int {
	return len(b.Expressions)
}

// Validate checks that the parallel slices line up and the mode is valid.
func (b *Batch) Validate() error {
	n := len(b.Expressions)
	if n == 0 {
		return ErrNoExpressions
	}
	if len(b.Flags) != n || len(b.IDs) != n || len(b.Exts) != n {
		return &CompileError{
			Code:       CodeInvalid,
			Message:    fmt.Sprintf("mismatched batch: %d expressions, %d flags, %d ids, %d exts", n, len(b.Flags), len(b.IDs), len(b.Exts)),
			Expression: -1,
		}
	}
	return ValidateMode(b.Mode)
}

// MatchHandler receives one match event. A non-zero return stops the scan,
// after which Scan returns ErrScanTerminated.
type MatchHandler func(id uint32, from, to uint64, flags uint32, ctx any) int

// Database is a compiled, immutable pattern set.
type Database interface {
	// Mode returns the mode the database was compiled with.
	Mode() Mode
	// Close releases the database. It must not be used afterwards.
	Close() error
}

// Scratch is per-scan working memory. A Scratch must never be used by two
// scans at the same time.
type Scratch interface {
	// Free releases the scratch space.
	Free() error
}

// Engine compiles and scans pattern databases.
type Engine interface {
	// Name identifies the engine in logs and CLI output.
	Name() string
	// Compile builds a database from b.
	Compile(b *Batch) (Database, error)
	// AllocScratch allocates scratch space sized for db.
	AllocScratch(db Database) (Scratch, error)
	// CloneScratch allocates an independent copy of s.
	CloneScratch(s Scratch) (Scratch, error)
	// Scan scans data against db, calling h for every match.
	Scan(db Database, s Scratch, data []byte, h MatchHandler, ctx any) error
}

var (
	// ErrScanTerminated is returned by Scan when a MatchHandler returned non-zero.
	ErrScanTerminated = errors.New("scan terminated by callback")
	// ErrScratchInUse is returned by Scan when the scratch is already in use by another scan.
	ErrScratchInUse = errors.New("scratch in use")
	// ErrNoExpressions is returned by Compile for an empty batch.
	ErrNoExpressions = errors.New("no expressions to compile")
	// ErrForeignHandle is returned when a database or scratch was not created by the engine.
	ErrForeignHandle = errors.New("handle not created by this engine")
)

// Compile error codes, mirroring hyperscan's return codes where they exist.
const (
	CodeInvalid       = -1 // HS_INVALID
	CodeCompilerError = -4 // HS_COMPILER_ERROR
)

// CompileError describes why a batch failed to compile.
type CompileError struct {
	Code       int    // engine return code
	Message    string // engine message
	Expression int    // index of the offending expression, -1 if not specific
}

func (e *CompileError) Error() string {
	if e.Expression >= 0 {
		return fmt.Sprintf("compile error %d at expression %d: %s", e.Code, e.Expression, e.Message)
	}
	return fmt.Sprintf("compile error %d: %s", e.Code, e.Message)
}
