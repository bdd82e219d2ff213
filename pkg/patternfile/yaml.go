package patternfile

// yamlPattern is the intermediate struct for one entry of a pattern file.
// Pointer fields distinguish "absent" from zero.
type yamlPattern struct {
	ID              *uint32           `yaml:"id,omitempty"`
	Expression      string            `yaml:"expression"`
	Flags           []string          `yaml:"flags,omitempty"`
	MinOffset       *uint64           `yaml:"min_offset,omitempty"`
	MaxOffset       *uint64           `yaml:"max_offset,omitempty"`
	MinLength       *uint64           `yaml:"min_length,omitempty"`
	EditDistance    *uint32           `yaml:"edit_distance,omitempty"`
	HammingDistance *uint32           `yaml:"hamming_distance,omitempty"`
	Context         map[string]string `yaml:"context,omitempty"`
}

// yamlPatternsFile represents the top-level structure of a pattern file.
type yamlPatternsFile struct {
	Patterns []yamlPattern `yaml:"patterns"`
}
