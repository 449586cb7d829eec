package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/artpar/ensemble/internal/core/model"
	"github.com/artpar/ensemble/internal/core/naming"
	"gopkg.in/yaml.v3"
)

// DefaultShardCount is used for streams that do not declare a shard count.
const DefaultShardCount = 1

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses an assembly file into a model.Spec.
// This is a pure function - no I/O, no side effects. The returned spec is not
// yet validated; model.New does that.
func Parse(content []byte) (model.Spec, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return model.Spec{}, ErrEmptyInput
	}

	file, err := decode(content)
	if err != nil {
		return model.Spec{}, err
	}

	return convert(file)
}

// decode reads exactly one YAML document. Unknown fields are rejected.
func decode(content []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	var extra yaml.Node
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return &file, nil
	case err != nil:
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	default:
		return nil, NewParseError("", "an assembly file holds a single document", ErrMultipleDocuments)
	}
}

func convert(file *File) (model.Spec, error) {
	if file.Assembly.Name == "" {
		return model.Spec{}, NewParseError("assembly.name", "name is required", ErrMissingField)
	}

	out := model.Spec{
		Assembly: model.Assembly{
			Name:         file.Assembly.Name,
			Profile:      file.Assembly.Profile,
			AccountID:    file.Assembly.AccountID,
			Bucket:       file.Assembly.Bucket,
			Prefix:       file.Assembly.Prefix,
			BucketRegion: file.Assembly.BucketRegion,
			Description:  file.Assembly.Description,
			Dir:          file.Assembly.Dir,
		},
		Sections: make([]model.SectionSpec, 0, len(file.Sections)),
	}

	// Instruments of every section are built before wiring so that wires can
	// reference suppliers declared in later sections.
	index := map[string]map[string]*model.Instrument{}
	for i, sd := range file.Sections {
		field := fmt.Sprintf("sections[%d]", i)
		if sd.Name == "" {
			return model.Spec{}, NewParseError(field+".name", "name is required", ErrMissingField)
		}
		if sd.Region == "" {
			return model.Spec{}, NewParseError(field+".region", "region is required", ErrMissingField)
		}

		ss := model.SectionSpec{
			Section: model.Section{Region: sd.Region, Name: sd.Name, AccountID: sd.AccountID},
		}
		byPath := map[string]*model.Instrument{}
		for j, doc := range sd.Instruments {
			instField := fmt.Sprintf("%s.instruments[%d]", field, j)
			inst, err := convertInstrument(instField, doc)
			if err != nil {
				return model.Spec{}, err
			}
			key := inst.Path().String()
			if _, dup := byPath[key]; dup {
				return model.Spec{}, NewParseError(instField+".path", fmt.Sprintf("%q is already declared", key), ErrDuplicatePath)
			}
			byPath[key] = inst
			ss.Instruments = append(ss.Instruments, inst)
		}

		// Duplicate section names are left for the model to report.
		if _, ok := index[sd.Name]; !ok {
			index[sd.Name] = byPath
		}
		out.Sections = append(out.Sections, ss)
	}

	for i, sd := range file.Sections {
		for j, wd := range sd.Wiring {
			field := fmt.Sprintf("sections[%d].wiring[%d]", i, j)
			wire, err := convertWire(field, sd.Name, wd, index)
			if err != nil {
				return model.Spec{}, err
			}
			out.Sections[i].Wiring = append(out.Sections[i].Wiring, wire)
		}
	}

	return out, nil
}

func convertInstrument(field string, doc InstrumentDoc) (*model.Instrument, error) {
	if strings.Trim(doc.Path, "/") == "" {
		return nil, NewParseError(field+".path", "path is required", ErrMissingField)
	}
	path := naming.ParsePath(doc.Path)

	payload, err := convertPayload(field, doc)
	if err != nil {
		return nil, err
	}

	inst := model.NewInstrument(path, payload)
	for k, g := range doc.Grants {
		if g.Action == "" || g.Resource == "" {
			return nil, NewParseError(fmt.Sprintf("%s.grants[%d]", field, k), "action and resource are required", ErrMissingField)
		}
		// A fresh instrument is never frozen.
		_ = inst.CanDo(g.Action, g.Resource)
	}
	if len(doc.Properties) > 0 {
		_ = inst.SetProperties(doc.Properties)
	}
	return inst, nil
}

func convertPayload(field string, doc InstrumentDoc) (model.Payload, error) {
	switch model.Kind(doc.Kind) {
	case model.KindFunction:
		if doc.EntryPoint == "" {
			return nil, NewParseError(field+".entry_point", "functions need an entry point", ErrMissingField)
		}
		return model.Function{
			EntryPoint: doc.EntryPoint,
			Runtime:    doc.Runtime,
			Timeout:    doc.Timeout,
			MemorySize: doc.MemorySize,
		}, nil

	case model.KindStream:
		shards := doc.ShardCount
		if shards == 0 {
			shards = DefaultShardCount
		}
		if shards < 0 || doc.RetentionHours < 0 {
			return nil, NewParseError(field, "shard_count and retention_hours must be positive", ErrInvalidValue)
		}
		return model.Stream{ShardCount: shards, RetentionHours: doc.RetentionHours}, nil

	case model.KindTable:
		if doc.PartitionKey == nil {
			return nil, NewParseError(field+".partition_key", "tables need a partition key", ErrMissingField)
		}
		pk, err := convertAttribute(field+".partition_key", *doc.PartitionKey)
		if err != nil {
			return nil, err
		}
		table := model.Table{PartitionKey: pk}
		if doc.SortKey != nil {
			sk, err := convertAttribute(field+".sort_key", *doc.SortKey)
			if err != nil {
				return nil, err
			}
			table.SortKey = &sk
		}
		return table, nil

	case model.KindQueue:
		if doc.VisibilityTimeout < 0 || doc.RetentionSeconds < 0 {
			return nil, NewParseError(field, "visibility_timeout and retention_seconds must be positive", ErrInvalidValue)
		}
		return model.Queue{VisibilityTimeout: doc.VisibilityTimeout, RetentionSeconds: doc.RetentionSeconds}, nil

	case "":
		return nil, NewParseError(field+".kind", "kind is required", ErrMissingField)

	default:
		return nil, NewParseError(field+".kind", fmt.Sprintf("%q is not a known kind", doc.Kind), ErrUnknownKind)
	}
}

func convertAttribute(field string, doc AttributeDoc) (model.Attribute, error) {
	if doc.Name == "" {
		return model.Attribute{}, NewParseError(field+".name", "name is required", ErrMissingField)
	}
	switch doc.Type {
	case "S", "N", "B":
		return model.Attribute{Name: doc.Name, Type: doc.Type}, nil
	case "":
		return model.Attribute{Name: doc.Name, Type: "S"}, nil
	default:
		return model.Attribute{}, NewParseError(field+".type", fmt.Sprintf("%q must be one of S, N, B", doc.Type), ErrInvalidValue)
	}
}

func convertWire(field, section string, wd WireDoc, index map[string]map[string]*model.Instrument) (model.Wire, error) {
	if wd.Consumer == "" {
		return model.Wire{}, NewParseError(field+".consumer", "consumer is required", ErrMissingField)
	}
	if wd.Supplier == "" {
		return model.Wire{}, NewParseError(field+".supplier", "supplier is required", ErrMissingField)
	}

	consumer, ok := index[section][strings.Trim(wd.Consumer, "/")]
	if !ok {
		return model.Wire{}, NewParseError(field+".consumer", fmt.Sprintf("%q is not declared in section %s", wd.Consumer, section), ErrUnknownReference)
	}

	supplierSection := section
	if wd.Section != "" {
		supplierSection = wd.Section
	}
	instruments, ok := index[supplierSection]
	if !ok {
		return model.Wire{}, NewParseError(field+".section", fmt.Sprintf("%q is not a section", supplierSection), ErrUnknownSection)
	}
	supplier, ok := instruments[strings.Trim(wd.Supplier, "/")]
	if !ok {
		return model.Wire{}, NewParseError(field+".supplier", fmt.Sprintf("%q is not declared in section %s", wd.Supplier, supplierSection), ErrUnknownReference)
	}

	// Wire names default to the supplier's leaf name.
	name := wd.Name
	if name == "" {
		name = supplier.Path().Name
	}
	return model.Connect(consumer, name, supplier), nil
}
