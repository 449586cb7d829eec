package model

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/artpar/ensemble/internal/core/naming"
)

// ReservedPackage is the top-level package kept for instruments the tool
// itself deploys.
const ReservedPackage = "ensemble"

// =============================================================================
// Validation
// =============================================================================

// validate checks every model invariant and fills m.placed and m.home.
//
// Wiring cycles are permitted: wires only exchange static descriptors and
// grants, so a cycle never implies a runtime call loop at deploy time.
func (m *Model) validate() error {
	if err := naming.ValidateName(m.assembly.Name); err != nil {
		return NewValidationError("assembly", "bad assembly name", fmt.Errorf("%w: %w", ErrBadName, err))
	}

	if err := m.validateSections(); err != nil {
		return err
	}

	if err := m.placeInstruments(); err != nil {
		return err
	}

	if err := m.validatePhysicalNames(); err != nil {
		return err
	}

	for _, s := range m.sections {
		if err := m.validateLogicalIDs(s.Section); err != nil {
			return err
		}
	}

	for _, s := range m.sections {
		if err := m.validateWiring(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) validateSections() error {
	names := make([]string, 0, len(m.sections))
	for _, s := range m.sections {
		subject := "section " + s.Section.Path()
		if err := naming.ValidateName(s.Section.Name); err != nil {
			return NewValidationError(subject, fmt.Sprintf("bad section name %q", s.Section.Name), fmt.Errorf("%w: %w", ErrBadName, err))
		}
		if err := naming.ValidateName(s.Section.Region); err != nil {
			return NewValidationError(subject, fmt.Sprintf("bad region %q", s.Section.Region), fmt.Errorf("%w: %w", ErrBadName, err))
		}
		names = append(names, s.Section.Name)
	}

	if dupes := duplicates(names); len(dupes) > 0 {
		return NewValidationError("", "the following names were used by two (or more) sections: "+strings.Join(dupes, ", "), ErrDuplicateSection)
	}
	return nil
}

func (m *Model) placeInstruments() error {
	for _, s := range m.sections {
		for _, inst := range s.Instruments {
			if inst == nil {
				return NewValidationError("section "+s.Section.Path(), "nil instrument", ErrUnknownKind)
			}
			subject := "instrument " + path.Join(s.Section.Path(), inst.Path().String())

			if prev, ok := m.home[inst]; ok {
				return NewValidationError(subject, fmt.Sprintf("already placed in section %s", prev.Path()), ErrMultipleSections)
			}
			if err := naming.ValidatePath(inst.Path()); err != nil {
				return NewValidationError(subject, err.Error(), fmt.Errorf("%w: %w", ErrBadName, err))
			}
			if inst.Path().TopLevelPackage() == ReservedPackage {
				return NewValidationError(subject, fmt.Sprintf("top-level package %q is reserved", ReservedPackage), ErrReserved)
			}

			h, ok := m.registry.Lookup(inst.Kind())
			if !ok {
				return NewValidationError(subject, fmt.Sprintf("kind %q is not registered", inst.Kind()), ErrUnknownKind)
			}
			if h.Buildable() {
				if err := validateEntryPoint(h.EntryPoint(inst)); err != nil {
					return NewValidationError(subject, err.Error(), err)
				}
			}

			m.home[inst] = s.Section
			m.placed = append(m.placed, Placed{Section: s.Section, Instrument: inst})
		}
	}
	return nil
}

func (m *Model) validatePhysicalNames() error {
	names := make([]string, len(m.placed))
	for i, p := range m.placed {
		names[i] = m.PhysicalName(p)
	}
	if dupes := duplicates(names); len(dupes) > 0 {
		return NewValidationError("", "the following names were used by two (or more) instruments: "+strings.Join(dupes, ", "), ErrDuplicateInstrument)
	}
	return nil
}

// validateLogicalIDs rejects instruments of one section whose template
// identifiers coincide, e.g. "p/a--b" and "p/a-b".
func (m *Model) validateLogicalIDs(section Section) error {
	owners := map[string][]string{}
	for _, p := range m.InSection(section.Name) {
		id := naming.LogicalID(p.Instrument.Path())
		owners[id] = append(owners[id], p.Instrument.Path().String())
	}
	var clashes []string
	for id, paths := range owners {
		if len(paths) > 1 {
			clashes = append(clashes, fmt.Sprintf("%s (%s)", id, strings.Join(paths, ", ")))
		}
	}
	if len(clashes) > 0 {
		sort.Strings(clashes)
		return NewValidationError("section "+section.Path(), "the following logical ids were used by two (or more) instruments: "+strings.Join(clashes, "; "), ErrDuplicateLogicalID)
	}
	return nil
}

func (m *Model) validateWiring(s SectionSpec) error {
	byConsumer := map[*Instrument][]string{}
	var order []*Instrument

	for _, w := range s.Wiring {
		if w.Consumer == nil || w.Supplier == nil {
			return NewValidationError("section "+s.Section.Path(), fmt.Sprintf("wire %q", w.Name), ErrMissingEndpoints)
		}
		subject := "instrument " + path.Join(s.Section.Path(), w.Consumer.Path().String())

		if w.Name == "" {
			return NewValidationError(subject, "wire to "+w.Supplier.Path().String(), ErrEmptyWireName)
		}
		home, ok := m.home[w.Consumer]
		if !ok || home.Name != s.Section.Name {
			return NewValidationError(subject, fmt.Sprintf("wire %q is declared in section %s", w.Name, s.Section.Path()), ErrForeignConsumer)
		}
		if _, ok := m.home[w.Supplier]; !ok {
			return NewValidationError(subject, fmt.Sprintf("wire %q targets %s", w.Name, w.Supplier.Path()), ErrUnknownSupplier)
		}
		if h := m.Handler(w.Consumer); !h.AcceptsGrants() {
			return NewValidationError(subject, fmt.Sprintf("kind %q has no capability statements", h.Kind), ErrCannotConsume)
		}
		if h := m.Handler(w.Supplier); h.ConsumerGrant == nil {
			return NewValidationError(subject, fmt.Sprintf("kind %q cannot be wired to", h.Kind), ErrCannotConsume)
		}

		if _, seen := byConsumer[w.Consumer]; !seen {
			order = append(order, w.Consumer)
		}
		byConsumer[w.Consumer] = append(byConsumer[w.Consumer], w.Name)
	}

	for _, consumer := range order {
		if dupes := duplicates(byConsumer[consumer]); len(dupes) > 0 {
			consumerPath := path.Join(s.Section.Path(), consumer.Path().String())
			return NewValidationError("instrument "+consumerPath, "name collision(s) in wiring: "+strings.Join(dupes, ", "), ErrDuplicateWire)
		}
	}
	return nil
}

func validateEntryPoint(entry string) error {
	switch {
	case entry == "":
		return fmt.Errorf("%w: entry point is empty", ErrBadEntryPoint)
	case path.IsAbs(entry):
		return fmt.Errorf("%w: %q must be relative", ErrBadEntryPoint, entry)
	case strings.HasPrefix(entry, "."):
		return fmt.Errorf("%w: %q cannot start with a dot", ErrBadEntryPoint, entry)
	}
	return nil
}

// duplicates returns the values occurring more than once, sorted.
func duplicates(values []string) []string {
	counts := map[string]int{}
	for _, v := range values {
		counts[v]++
	}
	var out []string
	for v, n := range counts {
		if n > 1 {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
