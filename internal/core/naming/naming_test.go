package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FullyQualifiedName Tests
// =============================================================================

func TestFullyQualifiedName_SinglePackage(t *testing.T) {
	got := FullyQualifiedName(NewPath([]string{"p1"}, "f1"))
	assert.Equal(t, "p1-f1", got)
}

func TestFullyQualifiedName_NestedPackages(t *testing.T) {
	got := FullyQualifiedName(NewPath([]string{"abc", "def"}, "this-is-the-name"))
	assert.Equal(t, "abc-def-this-is-the-name", got)
}

func TestFullyQualifiedName_NoPackage(t *testing.T) {
	got := FullyQualifiedName(NewPath(nil, "f1"))
	assert.Equal(t, "f1", got)
}

// =============================================================================
// LogicalID Tests
// =============================================================================

func TestLogicalID_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		path     Path
		expected string
	}{
		{"simple", NewPath([]string{"p1"}, "f1"), "P1F1"},
		{"dashes", NewPath([]string{"abc", "def"}, "this-is-the-name"), "AbcDefThisIsTheName"},
		{"digits", NewPath([]string{"geo"}, "v2-finder"), "GeoV2Finder"},
		{"leaf only", NewPath(nil, "queue"), "Queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LogicalID(tt.path))
		})
	}
}

// =============================================================================
// PhysicalName / ARN Tests
// =============================================================================

func TestPhysicalName_ScenarioA(t *testing.T) {
	got := PhysicalName("b", "s1", NewPath([]string{"p1"}, "f1"))
	assert.Equal(t, "b-s1-p1-f1", got)
}

func TestStackName(t *testing.T) {
	assert.Equal(t, "b-prod", StackName("b", "prod"))
}

func TestARN_ScenarioA(t *testing.T) {
	physical := PhysicalName("b", "s1", NewPath([]string{"p1"}, "f1"))
	got := ARN("lambda", "r1", "a-id-600", "function:", physical)
	assert.Equal(t, "arn:aws:lambda:r1:a-id-600:function:b-s1-p1-f1", got)
}

func TestARN_EmptyResourceType(t *testing.T) {
	got := ARN("sqs", "eu-west-1", "123", "", "b-s1-jobs")
	assert.Equal(t, "arn:aws:sqs:eu-west-1:123:b-s1-jobs", got)
}

func TestDerivation_IsDeterministic(t *testing.T) {
	p := NewPath([]string{"a", "b"}, "c")
	for i := 0; i < 10; i++ {
		assert.Equal(t, "a-b-c", FullyQualifiedName(p))
		assert.Equal(t, "x-y-a-b-c", PhysicalName("x", "y", p))
		assert.Equal(t, "arn:aws:s:r:1:t/x-y-a-b-c", ARN("s", "r", "1", "t/", PhysicalName("x", "y", p)))
	}
}

func TestNewPath_CopiesPackages(t *testing.T) {
	pkgs := []string{"p1"}
	p := NewPath(pkgs, "f1")
	pkgs[0] = "changed"
	assert.Equal(t, "p1-f1", FullyQualifiedName(p))
}

func TestParsePath(t *testing.T) {
	p := ParsePath("abc/def/leaf")
	assert.Equal(t, []string{"abc", "def"}, p.Packages)
	assert.Equal(t, "leaf", p.Name)
	assert.Equal(t, "abc/def/leaf", p.String())
	assert.Equal(t, "abc", p.TopLevelPackage())

	bare := ParsePath("leaf")
	assert.Empty(t, bare.Packages)
	assert.Equal(t, "", bare.TopLevelPackage())
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidName_TableDriven(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc-def58-xyz", true},
		{"r1", true},
		{"aBc", false},
		{"", false},
		{"under_score", false},
		{"dot.dot", false},
		{"space name", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidName(tt.input))
		})
	}
}

func TestValidateName_Errors(t *testing.T) {
	assert.ErrorIs(t, ValidateName(""), ErrEmptyName)
	assert.ErrorIs(t, ValidateName("Bad"), ErrInvalidName)
	require.NoError(t, ValidateName("good-1"))
}

func TestValidatePath(t *testing.T) {
	require.NoError(t, ValidatePath(NewPath([]string{"p1"}, "f1")))
	assert.ErrorIs(t, ValidatePath(NewPath([]string{"P1"}, "f1")), ErrInvalidName)
	assert.ErrorIs(t, ValidatePath(NewPath([]string{""}, "f1")), ErrEmptyName)
}
