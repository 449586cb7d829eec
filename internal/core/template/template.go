// Package template renders one section of a validated model as a
// CloudFormation/SAM template.
// This is part of the Functional Core - rendering is a pure function of the
// model and the archive references.
package template

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/artpar/ensemble/internal/core/model"
	"github.com/artpar/ensemble/internal/core/naming"
)

const (
	FormatVersion      = "2010-09-09"
	Transform          = "AWS::Serverless-2016-10-31"
	DefaultDescription = "An unspecified ensemble description"
	PolicyVersion      = "2012-10-17"
)

var ErrMissingArtifact = errors.New("no archive reference for buildable instrument")

// =============================================================================
// Types
// =============================================================================

// Artifact is the archive state of one buildable instrument.
type Artifact struct {
	WasBuilt bool   // Packaged during this run
	Current  string // Reference produced this run
	Previous string // Reference of the last deployed archive
}

// Reference returns the archive reference to render: the current one when
// the instrument was built this run, otherwise the previous one.
func (a Artifact) Reference() string {
	if a.WasBuilt {
		return a.Current
	}
	return a.Previous
}

// Resource is one rendered resource.
type Resource struct {
	Type       string         `json:"Type"`
	Properties map[string]any `json:"Properties"`
}

// Template is a rendered section.
type Template struct {
	AWSTemplateFormatVersion string              `json:"AWSTemplateFormatVersion"`
	Transform                string              `json:"Transform"`
	Description              string              `json:"Description"`
	Resources                map[string]Resource `json:"Resources"`
}

// =============================================================================
// Render
// =============================================================================

// Render renders the instruments of section. Artifacts are keyed by
// physical name and must cover every buildable instrument of the section.
func Render(m *model.Model, section model.Section, artifacts map[string]Artifact) (*Template, error) {
	desc := m.Assembly().Description
	if desc == "" {
		desc = DefaultDescription
	}
	t := &Template{
		AWSTemplateFormatVersion: FormatVersion,
		Transform:                Transform,
		Description:              desc,
		Resources:                map[string]Resource{},
	}

	// Logical ids are distinct within a section of a valid model.
	for _, p := range m.InSection(section.Name) {
		id := naming.LogicalID(p.Instrument.Path())
		res, err := renderResource(m, p, artifacts)
		if err != nil {
			return nil, err
		}
		t.Resources[id] = res
	}
	return t, nil
}

// renderResource layers kind fields, user overrides, the archive reference
// and capability statements. The physical name is injected last.
func renderResource(m *model.Model, p model.Placed, artifacts map[string]Artifact) (Resource, error) {
	h := m.Handler(p.Instrument)
	physical := m.PhysicalName(p)

	props := model.NewProperties(h.Fields(p.Instrument)).
		Merge(p.Instrument.Properties())

	if h.ArchiveProperty != "" {
		ref := artifacts[physical].Reference()
		if ref == "" {
			return Resource{}, fmt.Errorf("%w: %s", ErrMissingArtifact, m.Path(p))
		}
		props = props.Merge(map[string]any{h.ArchiveProperty: ref})
	}

	if h.AcceptsGrants() {
		props = props.Merge(map[string]any{h.PolicyProperty: Policies(m, p)})
	}

	return Resource{
		Type:       h.ResourceType,
		Properties: props.Finalize(h.NameProperty, physical),
	}, nil
}

// Policies returns the capability statements of a consumer: its own grants
// followed by one statement per wire, generated by the supplier's kind and
// scoped to the supplier's ARN.
func Policies(m *model.Model, p model.Placed) []any {
	var statements []model.Statement
	statements = append(statements, p.Instrument.Grants()...)
	for _, w := range m.Wires(p) {
		supplier := m.Handler(w.Supplier.Instrument)
		statements = append(statements, supplier.ConsumerGrant(m.ARN(w.Supplier)))
	}

	out := make([]any, 0, len(statements))
	for _, s := range statements {
		out = append(out, map[string]any{
			"Version":   PolicyVersion,
			"Statement": []model.Statement{s},
		})
	}
	return out
}

// Body returns the deterministic JSON encoding of the template.
func (t *Template) Body() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("failed to encode template: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
