// Package patternfile loads pattern sets from YAML files.
//
// A file holds a top-level "patterns" list:
//
//	patterns:
//	  - id: 17                  # optional, allocated when absent
//	    expression: 'AKIA[0-9A-Z]{16}'
//	    flags: [caseless, leftmost]
//	    min_offset: 0
//	    max_offset: 4096
//	    min_length: 20
//	    edit_distance: 0
//	    hamming_distance: 0
//	    context:
//	      name: AWS Access Key ID
//
// Flag names are those printed by engine.Flag.String.
package patternfile

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/engine"
	"github.com/praetorian-inc/echidna/pkg/idgen"
	"github.com/praetorian-inc/echidna/pkg/pattern"
	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yml
var builtinFS embed.FS

// ErrNoPatterns is returned when a file parses but lists no patterns.
var ErrNoPatterns = errors.New("no patterns found in YAML")

// Metadata is the user context attached to patterns from a file.
type Metadata map[string]string

// Clone implements pattern.Cloner.
func (m Metadata) Clone() any {
	return maps.Clone(m)
}

// Name returns the "name" entry, if any.
func (m Metadata) Name() string {
	return m["name"]
}

// Loader turns pattern files into patterns.
type Loader struct {
	ids *idgen.Registry
	log *dlog.Logger
	fs  fs.FS // built-in pattern files
}

// NewLoader creates a loader drawing IDs from ids.
func NewLoader(ids *idgen.Registry, log *dlog.Logger) *Loader {
	if log == nil {
		log = dlog.FromEnv()
	}
	return &Loader{ids: ids, log: log, fs: builtinFS}
}

// Load parses a pattern file. Every entry is validated before any ID is
// reserved, so a malformed file leaves the registry untouched. Entries with
// explicit IDs are reserved before automatic IDs are drawn.
func (l *Loader) Load(data []byte) ([]*pattern.Pattern, error) {
	var file yamlPatternsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(file.Patterns) == 0 {
		return nil, ErrNoPatterns
	}

	flags := make([]engine.Flag, len(file.Patterns))
	explicit := make(map[uint32]bool)
	for i, yp := range file.Patterns {
		if yp.Expression == "" {
			return nil, fmt.Errorf("pattern %d: empty expression", i)
		}
		f, err := ParseFlags(yp.Flags)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		flags[i] = f

		if yp.ID == nil {
			continue
		}
		id := *yp.ID
		if id == idgen.AutoID || explicit[id] || l.ids.Contains(id) {
			return nil, fmt.Errorf("pattern %d: %w: %d", i, pattern.ErrDuplicateID, id)
		}
		explicit[id] = true
	}

	patterns := make([]*pattern.Pattern, len(file.Patterns))
	for _, withID := range []bool{true, false} {
		for i, yp := range file.Patterns {
			if (yp.ID != nil) != withID {
				continue
			}
			p, err := l.convert(yp, flags[i])
			if err != nil {
				return nil, fmt.Errorf("pattern %d: %w", i, err)
			}
			patterns[i] = p
		}
	}
	return patterns, nil
}

// LoadFile loads a pattern file from path.
func (l *Loader) LoadFile(path string) ([]*pattern.Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	patterns, err := l.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return patterns, nil
}

// LoadFS loads every .yml and .yaml file under dir in fsys, in lexical order.
func (l *Loader) LoadFS(fsys fs.FS, dir string) ([]*pattern.Pattern, error) {
	var patterns []*pattern.Pattern

	err := fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(path); ext != ".yml" && ext != ".yaml" {
			return nil
		}

		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		ps, err := l.Load(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		patterns = append(patterns, ps...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return patterns, nil
}

// LoadBuiltin loads the patterns embedded in the binary.
func (l *Loader) LoadBuiltin() ([]*pattern.Pattern, error) {
	return l.LoadFS(l.fs, "builtin")
}

func (l *Loader) convert(yp yamlPattern, flags engine.Flag) (*pattern.Pattern, error) {
	opts := []pattern.Option{
		pattern.WithFlags(flags),
		pattern.WithLogger(l.log),
	}
	if yp.ID != nil {
		opts = append(opts, pattern.WithID(*yp.ID))
	}
	if yp.Context != nil {
		opts = append(opts, pattern.WithContext(Metadata(yp.Context)))
	}

	p, err := pattern.New(l.ids, yp.Expression, opts...)
	if err != nil {
		return nil, err
	}

	if yp.MinOffset != nil {
		p.SetMinOffset(*yp.MinOffset)
	}
	if yp.MaxOffset != nil {
		p.SetMaxOffset(*yp.MaxOffset)
	}
	if yp.MinLength != nil {
		p.SetMinLength(*yp.MinLength)
	}
	if yp.EditDistance != nil {
		p.SetEditDistance(*yp.EditDistance)
	}
	if yp.HammingDistance != nil {
		p.SetHammingDistance(*yp.HammingDistance)
	}
	return p, nil
}

// ParseFlags combines flag names into a Flag word.
func ParseFlags(names []string) (engine.Flag, error) {
	var flags engine.Flag
	for _, name := range names {
		f, ok := engine.ParseFlag(name)
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}
