// Package naming derives the identities of deployed resources.
//
// This package is part of the Functional Core. Every function is a pure
// mapping from (assembly, section, instrument) values to names; nothing is
// cached and nothing is validated here. Validation happens once, when the
// component model is built (see ValidName and ValidatePath).
//
// # Forms
//
//   - FullyQualifiedName: dash-joined package path plus leaf name ("p1-f1")
//   - LogicalID: PascalCase form used as a template resource key ("P1F1")
//   - PhysicalName: assembly, section and FQN dash-joined ("b-s1-p1-f1")
//   - ARN: "arn:aws:<service>:<region>:<account>:<type><physical name>"
package naming

import (
	"fmt"
	"strings"
)

// =============================================================================
// Composite Names
// =============================================================================

// Path is the composite name of an instrument: ordered package segments
// followed by a leaf name.
type Path struct {
	Packages []string
	Name     string
}

// NewPath builds a Path from package segments and a leaf name.
func NewPath(packages []string, name string) Path {
	return Path{Packages: append([]string(nil), packages...), Name: name}
}

// ParsePath splits a slash-separated string ("abc/def/leaf") into a Path.
// The last segment is the leaf name.
func ParsePath(s string) Path {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	return NewPath(parts[:len(parts)-1], parts[len(parts)-1])
}

// Segments returns the package segments followed by the leaf name.
func (p Path) Segments() []string {
	out := make([]string, 0, len(p.Packages)+1)
	out = append(out, p.Packages...)
	return append(out, p.Name)
}

// String returns the slash-separated form of the path.
func (p Path) String() string {
	return strings.Join(p.Segments(), "/")
}

// TopLevelPackage returns the first package segment, or "" if there is none.
func (p Path) TopLevelPackage() string {
	if len(p.Packages) == 0 {
		return ""
	}
	return p.Packages[0]
}

// =============================================================================
// Name Derivation
// =============================================================================

// FullyQualifiedName dash-joins the package segments and the leaf name.
//
// Example:
//
//	FullyQualifiedName(NewPath([]string{"p1"}, "f1")) // returns "p1-f1"
func FullyQualifiedName(p Path) string {
	return strings.Join(p.Segments(), "-")
}

// LogicalID returns the PascalCase identifier of a path. Every dash
// separated token of every segment is capitalized and concatenated, so the
// result is alphanumeric.
//
// Example:
//
//	LogicalID(NewPath([]string{"abc", "def"}, "this-is-the-name"))
//	// returns "AbcDefThisIsTheName"
func LogicalID(p Path) string {
	return pascal(p.Segments()...)
}

// StackName returns the physical name of a section.
// Pattern: {assembly}-{section}
func StackName(assembly, section string) string {
	return fmt.Sprintf("%s-%s", assembly, section)
}

// PhysicalName returns the globally unique deployed name of an instrument.
// Pattern: {assembly}-{section}-{fully qualified name}
//
// Example:
//
//	PhysicalName("b", "s1", NewPath([]string{"p1"}, "f1")) // returns "b-s1-p1-f1"
func PhysicalName(assembly, section string, p Path) string {
	return fmt.Sprintf("%s-%s", StackName(assembly, section), FullyQualifiedName(p))
}

// ARN concatenates the ARN tokens of a resource. The resource type token
// carries its own separator ("function:", "table/", or "" for queues).
//
// Example:
//
//	ARN("lambda", "r1", "123", "function:", "b-s1-p1-f1")
//	// returns "arn:aws:lambda:r1:123:function:b-s1-p1-f1"
func ARN(service, region, account, resourceType, physicalName string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s%s", service, region, account, resourceType, physicalName)
}

func pascal(segments ...string) string {
	var b strings.Builder
	for _, seg := range segments {
		for _, tok := range strings.Split(seg, "-") {
			if tok == "" {
				continue
			}
			b.WriteString(strings.ToUpper(tok[:1]))
			b.WriteString(tok[1:])
		}
	}
	return b.String()
}
