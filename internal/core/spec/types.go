package spec

// =============================================================================
// File Types
// =============================================================================

// File is the on-disk shape of an assembly file.
type File struct {
	Assembly AssemblyDoc  `yaml:"assembly"`
	Sections []SectionDoc `yaml:"sections"`
}

// AssemblyDoc declares the assembly.
type AssemblyDoc struct {
	Name         string `yaml:"name"`
	Profile      string `yaml:"profile"`
	AccountID    string `yaml:"account_id"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	BucketRegion string `yaml:"bucket_region"`
	Description  string `yaml:"description"`
	Dir          string `yaml:"dir"`
}

// SectionDoc declares one section with its instruments and wiring.
type SectionDoc struct {
	Name        string          `yaml:"name"`
	Region      string          `yaml:"region"`
	AccountID   string          `yaml:"account_id"`
	Instruments []InstrumentDoc `yaml:"instruments"`
	Wiring      []WireDoc       `yaml:"wiring"`
}

// InstrumentDoc declares an instrument. Kind-specific fields sit next to the
// common ones; fields that do not apply to the kind are ignored.
type InstrumentDoc struct {
	Path       string         `yaml:"path"` // pkg/.../name
	Kind       string         `yaml:"kind"`
	Properties map[string]any `yaml:"properties"`
	Grants     []GrantDoc     `yaml:"grants"`

	// function
	EntryPoint string `yaml:"entry_point"`
	Runtime    string `yaml:"runtime"`
	Timeout    int    `yaml:"timeout"`
	MemorySize int    `yaml:"memory_size"`

	// stream
	ShardCount     int `yaml:"shard_count"`
	RetentionHours int `yaml:"retention_hours"`

	// table
	PartitionKey *AttributeDoc `yaml:"partition_key"`
	SortKey      *AttributeDoc `yaml:"sort_key"`

	// queue
	VisibilityTimeout int `yaml:"visibility_timeout"`
	RetentionSeconds  int `yaml:"retention_seconds"`
}

// AttributeDoc is a table key attribute.
type AttributeDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// GrantDoc is an explicit capability grant of an instrument.
type GrantDoc struct {
	Action   string `yaml:"action"`
	Resource string `yaml:"resource"`
}

// WireDoc references a supplier from a consumer in the same section.
type WireDoc struct {
	Consumer string `yaml:"consumer"`
	Name     string `yaml:"name"`
	Supplier string `yaml:"supplier"`
	Section  string `yaml:"section"` // Supplier's section, defaults to the wire's own
}
