package model

import (
	"fmt"
	"sort"

	"github.com/artpar/ensemble/internal/core/runtime"
)

// DefaultRuntime is the function runtime used when none is declared.
const DefaultRuntime = "nodejs20.x"

// =============================================================================
// Kind Handlers
// =============================================================================

// Handler describes how one instrument kind is named, rendered and wired.
// Kinds are added by registering a Handler; nothing dispatches on the
// payload type outside of the handler functions.
type Handler struct {
	Kind         Kind
	ResourceType string // Template resource type, e.g. "AWS::Serverless::Function"
	ARNService   string // e.g. "lambda"
	ARNType      string // Resource-type token including its separator, e.g. "function:"
	NameProperty string // Property receiving the physical name

	// ArchiveProperty receives the archive reference. Empty for kinds that
	// are not built.
	ArchiveProperty string

	// PolicyProperty receives capability statements. Empty for kinds that
	// cannot consume wires.
	PolicyProperty string

	// Fields returns the kind-specific declarative properties.
	Fields func(inst *Instrument) map[string]any

	// ConsumerGrant is the statement this kind, acting as supplier,
	// contributes to each consumer wired to it.
	ConsumerGrant func(supplierARN string) Statement

	// EntryPoint returns the source entry of a buildable instrument.
	EntryPoint func(inst *Instrument) string

	// Runtime returns the execution runtime of a buildable instrument.
	Runtime func(inst *Instrument) string
}

// Buildable reports whether instruments of this kind are packaged.
func (h Handler) Buildable() bool {
	return h.EntryPoint != nil
}

// AcceptsGrants reports whether instruments of this kind can consume wires.
func (h Handler) AcceptsGrants() bool {
	return h.PolicyProperty != ""
}

// Registry maps kinds to handlers. It is built once per run and passed to
// the model explicitly.
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[Kind]Handler{}}
}

// DefaultRegistry returns a registry with the function, stream, table and
// queue kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{functionHandler(), streamHandler(), tableHandler(), queueHandler()} {
		// Built-in kinds are distinct, so Register cannot fail here.
		_ = r.Register(h)
	}
	return r
}

// Register adds a handler. Registering the same kind twice is an error.
func (r *Registry) Register(h Handler) error {
	if _, exists := r.handlers[h.Kind]; exists {
		return fmt.Errorf("%w: %s", ErrKindRegistered, h.Kind)
	}
	r.handlers[h.Kind] = h
	return nil
}

// Lookup returns the handler of a kind.
func (r *Registry) Lookup(k Kind) (Handler, bool) {
	h, ok := r.handlers[k]
	return h, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// Built-in Kinds
// =============================================================================

func functionRuntime(inst *Instrument) string {
	if fn, _ := inst.Payload().(Function); fn.Runtime != "" {
		return fn.Runtime
	}
	return DefaultRuntime
}

func functionHandler() Handler {
	return Handler{
		Kind:            KindFunction,
		ResourceType:    "AWS::Serverless::Function",
		ARNService:      "lambda",
		ARNType:         "function:",
		NameProperty:    "FunctionName",
		ArchiveProperty: "CodeUri",
		PolicyProperty:  "Policies",
		Fields: func(inst *Instrument) map[string]any {
			fn, _ := inst.Payload().(Function)
			fields := map[string]any{
				"Runtime": functionRuntime(inst),
				"Handler": runtime.HandlerEntry(inst.FullyQualifiedName()),
				"Events":  map[string]any{},
			}
			if fn.Timeout > 0 {
				fields["Timeout"] = fn.Timeout
			}
			if fn.MemorySize > 0 {
				fields["MemorySize"] = fn.MemorySize
			}
			return fields
		},
		ConsumerGrant: func(arn string) Statement {
			return Allow(arn, "lambda:InvokeFunction")
		},
		EntryPoint: func(inst *Instrument) string {
			fn, _ := inst.Payload().(Function)
			return fn.EntryPoint
		},
		Runtime: functionRuntime,
	}
}

func streamHandler() Handler {
	return Handler{
		Kind:         KindStream,
		ResourceType: "AWS::Kinesis::Stream",
		ARNService:   "kinesis",
		ARNType:      "stream/",
		NameProperty: "Name",
		Fields: func(inst *Instrument) map[string]any {
			s, _ := inst.Payload().(Stream)
			retention := s.RetentionHours
			if retention == 0 {
				retention = 24
			}
			return map[string]any{
				"ShardCount":           s.ShardCount,
				"RetentionPeriodHours": retention,
			}
		},
		ConsumerGrant: func(arn string) Statement {
			return Allow(arn, "kinesis:*")
		},
	}
}

func tableHandler() Handler {
	return Handler{
		Kind:         KindTable,
		ResourceType: "AWS::DynamoDB::Table",
		ARNService:   "dynamodb",
		ARNType:      "table/",
		NameProperty: "TableName",
		Fields: func(inst *Instrument) map[string]any {
			t, _ := inst.Payload().(Table)
			attrs := []any{
				map[string]any{"AttributeName": t.PartitionKey.Name, "AttributeType": t.PartitionKey.Type},
			}
			keys := []any{
				map[string]any{"AttributeName": t.PartitionKey.Name, "KeyType": "HASH"},
			}
			if t.SortKey != nil {
				attrs = append(attrs, map[string]any{"AttributeName": t.SortKey.Name, "AttributeType": t.SortKey.Type})
				keys = append(keys, map[string]any{"AttributeName": t.SortKey.Name, "KeyType": "RANGE"})
			}
			return map[string]any{
				"BillingMode":          "PAY_PER_REQUEST",
				"AttributeDefinitions": attrs,
				"KeySchema":            keys,
			}
		},
		ConsumerGrant: func(arn string) Statement {
			return Allow(arn, "dynamodb:*")
		},
	}
}

func queueHandler() Handler {
	return Handler{
		Kind:         KindQueue,
		ResourceType: "AWS::SQS::Queue",
		ARNService:   "sqs",
		ARNType:      "",
		NameProperty: "QueueName",
		Fields: func(inst *Instrument) map[string]any {
			q, _ := inst.Payload().(Queue)
			fields := map[string]any{}
			if q.RetentionSeconds > 0 {
				fields["MessageRetentionPeriod"] = q.RetentionSeconds
			}
			if q.VisibilityTimeout > 0 {
				fields["VisibilityTimeout"] = q.VisibilityTimeout
			}
			return fields
		},
		ConsumerGrant: func(arn string) Statement {
			return Allow(arn, "sqs:SendMessage", "sqs:ReceiveMessage", "sqs:DeleteMessage", "sqs:GetQueueAttributes")
		},
	}
}
