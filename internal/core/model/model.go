package model

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/artpar/ensemble/internal/core/naming"
	"github.com/artpar/ensemble/internal/core/runtime"
)

// =============================================================================
// Model
// =============================================================================

// Placed is an instrument together with the section it belongs to.
type Placed struct {
	Section    Section
	Instrument *Instrument
}

// ResolvedWire is a wire whose supplier has been located in the model.
type ResolvedWire struct {
	Name     string
	Consumer Placed
	Supplier Placed
}

// Model is a validated, frozen component graph.
type Model struct {
	assembly Assembly
	sections []SectionSpec
	registry *Registry
	placed   []Placed
	home     map[*Instrument]Section
}

// New validates spec against the registry and freezes every instrument.
// All ValidationErrors are raised here, before any remote interaction.
func New(spec Spec, registry *Registry) (*Model, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	m := &Model{
		assembly: spec.Assembly,
		sections: append([]SectionSpec(nil), spec.Sections...),
		registry: registry,
		home:     map[*Instrument]Section{},
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	for _, p := range m.placed {
		p.Instrument.freeze()
	}
	return m, nil
}

// Assembly returns the assembly of the model.
func (m *Model) Assembly() Assembly { return m.assembly }

// Registry returns the kind registry the model was validated against.
func (m *Model) Registry() *Registry { return m.registry }

// Sections returns the sections in declaration order.
func (m *Model) Sections() []Section {
	out := make([]Section, len(m.sections))
	for i, s := range m.sections {
		out[i] = s.Section
	}
	return out
}

// Section finds a section by name. An empty name selects the only section
// when there is exactly one.
func (m *Model) Section(name string) (Section, error) {
	if name == "" && len(m.sections) == 1 {
		return m.sections[0].Section, nil
	}
	for _, s := range m.sections {
		if s.Section.Name == name || s.Section.Path() == name {
			return s.Section, nil
		}
	}
	names := make([]string, len(m.sections))
	for i, s := range m.sections {
		names[i] = s.Section.Name
	}
	return Section{}, fmt.Errorf("%w: %q (have %s)", ErrSectionNotFound, name, strings.Join(names, ", "))
}

// Instruments returns every placed instrument in declaration order.
func (m *Model) Instruments() []Placed {
	return append([]Placed(nil), m.placed...)
}

// InSection returns the instruments placed in the named section.
func (m *Model) InSection(name string) []Placed {
	var out []Placed
	for _, p := range m.placed {
		if p.Section.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Handler returns the kind handler of an instrument.
func (m *Model) Handler(inst *Instrument) Handler {
	h, _ := m.registry.Lookup(inst.Kind())
	return h
}

// =============================================================================
// Identity
// =============================================================================

// AccountID returns the account of a section, falling back to the assembly's.
func (m *Model) AccountID(s Section) string {
	if s.AccountID != "" {
		return s.AccountID
	}
	return m.assembly.AccountID
}

// StackName returns the physical name of a section.
func (m *Model) StackName(s Section) string {
	return naming.StackName(m.assembly.Name, s.Name)
}

// PhysicalName returns the deployed name of a placed instrument.
func (m *Model) PhysicalName(p Placed) string {
	return naming.PhysicalName(m.assembly.Name, p.Section.Name, p.Instrument.Path())
}

// ARN returns the ARN of a placed instrument, scoped to its own section's
// region and account.
func (m *Model) ARN(p Placed) string {
	h := m.Handler(p.Instrument)
	return naming.ARN(h.ARNService, p.Section.Region, m.AccountID(p.Section), h.ARNType, m.PhysicalName(p))
}

// Path returns "{region}/{section}/{package...}/{name}".
func (m *Model) Path(p Placed) string {
	return path.Join(p.Section.Path(), p.Instrument.Path().String())
}

// =============================================================================
// Wiring
// =============================================================================

// Wires returns the resolved outgoing wires of a placed consumer in
// declaration order.
func (m *Model) Wires(p Placed) []ResolvedWire {
	var out []ResolvedWire
	for _, s := range m.sections {
		if s.Section.Name != p.Section.Name {
			continue
		}
		for _, w := range s.Wiring {
			if w.Consumer != p.Instrument {
				continue
			}
			out = append(out, ResolvedWire{
				Name:     w.Name,
				Consumer: p,
				Supplier: Placed{Section: m.home[w.Supplier], Instrument: w.Supplier},
			})
		}
	}
	return out
}

// Handles returns the runtime descriptors of a consumer's suppliers.
func (m *Model) Handles(p Placed) []runtime.Handle {
	wires := m.Wires(p)
	out := make([]runtime.Handle, 0, len(wires))
	for _, w := range wires {
		out = append(out, runtime.Handle{
			Name:         w.Name,
			Kind:         string(w.Supplier.Instrument.Kind()),
			Region:       w.Supplier.Section.Region,
			PhysicalName: m.PhysicalName(w.Supplier),
			ARN:          m.ARN(w.Supplier),
		})
	}
	return out
}

// =============================================================================
// Lookup
// =============================================================================

// Lookup finds an instrument by its full path, its leaf name, or a unique
// substring of its physical name, in that order of precedence.
func (m *Model) Lookup(query string) (Placed, error) {
	var exact, leaf, partial []Placed
	for _, p := range m.placed {
		switch {
		case m.Path(p) == query:
			exact = append(exact, p)
		case p.Instrument.Path().Name == query:
			leaf = append(leaf, p)
		}
		if strings.Contains(m.PhysicalName(p), query) {
			partial = append(partial, p)
		}
	}

	for _, candidates := range [][]Placed{exact, leaf, partial} {
		switch len(candidates) {
		case 0:
			continue
		case 1:
			return candidates[0], nil
		default:
			names := make([]string, len(candidates))
			for i, c := range candidates {
				names[i] = m.PhysicalName(c)
			}
			return Placed{}, fmt.Errorf("%w %q: %s", ErrAmbiguousLookup, query, strings.Join(names, ", "))
		}
	}
	return Placed{}, fmt.Errorf("%w: %q", ErrInstrumentNotFound, query)
}

// Row is one line of the instrument listing.
type Row struct {
	Path         string   `json:"path"`
	Kind         Kind     `json:"kind"`
	PhysicalName string   `json:"physical_name"`
	ARN          string   `json:"arn"`
	Wires        []string `json:"wires,omitempty"`
}

// List returns a listing of every instrument, sorted by path.
func (m *Model) List() []Row {
	rows := make([]Row, 0, len(m.placed))
	for _, p := range m.placed {
		row := Row{
			Path:         m.Path(p),
			Kind:         p.Instrument.Kind(),
			PhysicalName: m.PhysicalName(p),
			ARN:          m.ARN(p),
		}
		for _, w := range m.Wires(p) {
			row.Wires = append(row.Wires, fmt.Sprintf("%s -> %s", w.Name, m.Path(w.Supplier)))
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows
}
