package model

import (
	"fmt"
	"maps"

	"github.com/artpar/ensemble/internal/core/naming"
)

// =============================================================================
// Assembly / Section
// =============================================================================

// Assembly is the top-level system. There is exactly one per run.
type Assembly struct {
	Name         string `json:"name"`
	Profile      string `json:"profile,omitempty"`
	AccountID    string `json:"account_id"`
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	BucketRegion string `json:"bucket_region,omitempty"`
	Description  string `json:"description,omitempty"`
	Dir          string `json:"dir,omitempty"` // Source root of the instruments
}

// Section is a (region, environment) deployment target.
type Section struct {
	Region    string `json:"region"`
	Name      string `json:"name"`
	AccountID string `json:"account_id,omitempty"` // Overrides Assembly.AccountID when set
}

// Path returns "{region}/{name}".
func (s Section) Path() string {
	return fmt.Sprintf("%s/%s", s.Region, s.Name)
}

// =============================================================================
// Kinds and Payloads
// =============================================================================

// Kind tags the variant of an instrument.
type Kind string

const (
	KindFunction Kind = "function"
	KindStream   Kind = "stream"
	KindTable    Kind = "table"
	KindQueue    Kind = "queue"
)

// Payload is the kind-specific part of an instrument.
type Payload interface {
	Kind() Kind
}

// Function is a buildable compute unit.
type Function struct {
	EntryPoint string `json:"entry_point"` // Relative to Assembly.Dir, extension optional
	Runtime    string `json:"runtime,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`     // Seconds
	MemorySize int    `json:"memory_size,omitempty"` // MB
}

func (Function) Kind() Kind { return KindFunction }

// Stream is a sharded record stream.
type Stream struct {
	ShardCount     int `json:"shard_count"`
	RetentionHours int `json:"retention_hours,omitempty"`
}

func (Stream) Kind() Kind { return KindStream }

// Attribute is a typed key attribute of a table ("S", "N" or "B").
type Attribute struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is a key-value table.
type Table struct {
	PartitionKey Attribute  `json:"partition_key"`
	SortKey      *Attribute `json:"sort_key,omitempty"`
}

func (Table) Kind() Kind { return KindTable }

// Queue is a message queue.
type Queue struct {
	VisibilityTimeout int `json:"visibility_timeout,omitempty"` // Seconds
	RetentionSeconds  int `json:"retention_seconds,omitempty"`
}

func (Queue) Kind() Kind { return KindQueue }

// =============================================================================
// Capability Grants
// =============================================================================

// Statement is a least-privilege permission statement.
type Statement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource string   `json:"Resource"`
}

// Allow creates an Allow statement for the given actions on a resource.
func Allow(resource string, actions ...string) Statement {
	return Statement{
		Effect:   "Allow",
		Action:   append([]string(nil), actions...),
		Resource: resource,
	}
}

// =============================================================================
// Instrument
// =============================================================================

// Instrument is an addressable deployable unit. Its identity (path and
// payload) is fixed at construction. Grants and property overrides may be
// added until the model is validated, after which the instrument is frozen.
type Instrument struct {
	path       naming.Path
	payload    Payload
	properties map[string]any
	grants     []Statement
	frozen     bool
}

// NewInstrument creates an instrument with the given composite name and payload.
func NewInstrument(path naming.Path, payload Payload) *Instrument {
	return &Instrument{
		path:       naming.NewPath(path.Packages, path.Name),
		payload:    payload,
		properties: map[string]any{},
	}
}

// NewFunction creates a function instrument.
func NewFunction(packages []string, name, entryPoint string) *Instrument {
	return NewInstrument(naming.NewPath(packages, name), Function{EntryPoint: entryPoint})
}

// Path returns the composite name.
func (i *Instrument) Path() naming.Path { return i.path }

// Kind returns the kind tag of the payload.
func (i *Instrument) Kind() Kind {
	if i.payload == nil {
		return ""
	}
	return i.payload.Kind()
}

// Payload returns the kind-specific payload.
func (i *Instrument) Payload() Payload { return i.payload }

// FullyQualifiedName returns the dash form of the composite name.
func (i *Instrument) FullyQualifiedName() string {
	return naming.FullyQualifiedName(i.path)
}

// Frozen reports whether the instrument has been validated.
func (i *Instrument) Frozen() bool { return i.frozen }

// CanDo adds a capability grant for action on resource.
func (i *Instrument) CanDo(action, resource string) error {
	if i.frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, i.path)
	}
	i.grants = append(i.grants, Allow(resource, action))
	return nil
}

// SetProperties merges declarative property overrides into the instrument.
// Later calls win on key collisions.
func (i *Instrument) SetProperties(props map[string]any) error {
	if i.frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, i.path)
	}
	maps.Copy(i.properties, props)
	return nil
}

// Grants returns a copy of the instrument's own capability grants.
func (i *Instrument) Grants() []Statement {
	return append([]Statement(nil), i.grants...)
}

// Properties returns a copy of the declarative property overrides.
func (i *Instrument) Properties() map[string]any {
	return deepCopyMap(i.properties)
}

func (i *Instrument) freeze() { i.frozen = true }

// =============================================================================
// Wiring
// =============================================================================

// Wire is a named reference from a consumer to a supplier. It is declared in
// the consumer's section; the supplier may be placed in any section.
type Wire struct {
	Consumer *Instrument
	Name     string
	Supplier *Instrument
}

// Connect creates a wire from consumer to supplier.
func Connect(consumer *Instrument, name string, supplier *Instrument) Wire {
	return Wire{Consumer: consumer, Name: name, Supplier: supplier}
}

// =============================================================================
// Spec
// =============================================================================

// SectionSpec declares the instruments and wires of one section.
type SectionSpec struct {
	Section     Section
	Instruments []*Instrument
	Wiring      []Wire
}

// Spec is the complete declaration of an assembly.
type Spec struct {
	Assembly Assembly
	Sections []SectionSpec
}
