// Package runtime produces what deployed code needs at execution time: the
// wiring descriptors of its suppliers and the generated handler shim that
// loads the compiled entry point.
package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"text/template"
)

// =============================================================================
// Layout
// =============================================================================

const (
	// BuildDir is the archive directory holding compiled output.
	BuildDir = "build"

	// AutogeneratedDir holds generated files, one directory per instrument.
	AutogeneratedDir = BuildDir + "/autogenerated"

	// HandlerExport is the exported function invoked by the platform.
	HandlerExport = "handle"
)

// HandlerPath returns the archive path of the generated handler.
// Pattern: build/autogenerated/{fqn}/handler.js
func HandlerPath(fqn string) string {
	return path.Join(AutogeneratedDir, fqn, "handler.js")
}

// HandlerEntry returns the platform handler reference of an instrument.
// Pattern: build/autogenerated/{fqn}/handler.handle
func HandlerEntry(fqn string) string {
	return path.Join(AutogeneratedDir, fqn, "handler") + "." + HandlerExport
}

// =============================================================================
// Handles
// =============================================================================

// Handle describes one supplier as seen by a consumer's code.
type Handle struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Region       string `json:"region"`
	PhysicalName string `json:"physicalName"`
	ARN          string `json:"arn"`
}

// =============================================================================
// Handler Source
// =============================================================================

var handlerTemplate = template.Must(template.New("handler").Parse(`// Generated by ensemble. Do not edit.
const entry = require('{{.Require}}');
const wires = {{.Wires}};

const Controller = entry.default || entry;
let instance;

function controller(context) {
    if (!instance) {
        instance = typeof Controller === 'function' ? new Controller() : Controller;
        if (typeof instance.initialize === 'function') {
            instance.initialize(wires, context);
        }
    }
    return instance;
}

async function {{.Export}}(event, context) {
    const c = controller(context);
    if (event && event['detail-type'] === 'Scheduled Event') {
        return c.executeScheduledEvent();
    }
    return c.runLambda(event, context);
}

module.exports = { {{.Export}}, wires };
`))

// HandlerSource renders the handler shim of an instrument whose entry point
// is entryPoint (relative to the source root, extension optional). Handles
// are keyed by wire name in the injected map.
func HandlerSource(fqn, entryPoint string, handles []Handle) ([]byte, error) {
	wires := make(map[string]Handle, len(handles))
	for _, h := range handles {
		wires[h.Name] = h
	}
	encoded, err := json.MarshalIndent(wires, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode wires: %w", err)
	}

	var buf bytes.Buffer
	err = handlerTemplate.Execute(&buf, struct {
		Require string
		Wires   string
		Export  string
	}{
		Require: requirePath(fqn, entryPoint),
		Wires:   string(encoded),
		Export:  HandlerExport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render handler: %w", err)
	}
	return buf.Bytes(), nil
}

// requirePath is the entry point relative to the handler's directory. The
// compiled tree mirrors the source root under BuildDir.
func requirePath(fqn, entryPoint string) string {
	from := strings.TrimPrefix(path.Dir(HandlerPath(fqn)), BuildDir+"/")
	depth := strings.Count(from, "/") + 1
	return strings.Repeat("../", depth) + path.Clean(stripExt(entryPoint))
}

func stripExt(p string) string {
	for _, ext := range []string{".ts", ".tsx", ".js", ".mjs", ".cjs"} {
		if strings.HasSuffix(p, ext) {
			return strings.TrimSuffix(p, ext)
		}
	}
	return p
}
