// Package toolcatalog declares bot tool surfaces as data. Callers that keep
// their tools in tables or configuration convert a catalog into the
// definitions and executables a stream request takes.
package toolcatalog

import (
	"context"
	"sort"

	poe "github.com/pawaca/poe-go"
)

// Parameter describes a single tool parameter.
type Parameter struct {
	Name        string
	Type        string // string, number, boolean, array:string, array:number, array:boolean
	Description string
	Required    bool
}

// Metadata describes one tool: its callable schema plus an optional local
// executor.
type Metadata struct {
	Description string
	Parameters  []Parameter

	// Execute runs the tool locally during tool-call orchestration. Leave
	// nil for tools executed elsewhere.
	Execute func(ctx context.Context, req *poe.ToolRequest) (any, error)
}

// Definition renders one catalog entry as its wire tool definition.
func Definition(name string, meta *Metadata) poe.ToolDefinition {
	params := make([]poe.Parameter, 0, len(meta.Parameters))
	for _, param := range meta.Parameters {
		params = append(params, convertParameter(param))
	}
	return poe.NewTool(name, meta.Description, params...).Definition()
}

// Build renders a whole catalog as the definition and executable slices a
// stream request takes. Entries are ordered by name; entries without an
// Execute function contribute no executable.
func Build(catalog map[string]*Metadata) ([]poe.ToolDefinition, []poe.ToolExecutable) {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	definitions := make([]poe.ToolDefinition, 0, len(catalog))
	var executables []poe.ToolExecutable
	for _, name := range names {
		meta := catalog[name]
		definitions = append(definitions, Definition(name, meta))
		if meta.Execute != nil {
			executables = append(executables, poe.ToolExecutable{Name: name, Execute: meta.Execute})
		}
	}
	return definitions, executables
}

func convertParameter(param Parameter) poe.Parameter {
	var opts []poe.Option
	if param.Required {
		opts = append(opts, poe.Required())
	}

	switch param.Type {
	case "string":
		return poe.String(param.Name, param.Description, opts...)
	case "int", "integer", "float", "number":
		return poe.Number(param.Name, param.Description, opts...)
	case "bool", "boolean":
		return poe.Boolean(param.Name, param.Description, opts...)
	case "array:string":
		return poe.StringArray(param.Name, param.Description, opts...)
	case "array:number", "array:int", "array:integer", "array:float":
		return poe.NumberArray(param.Name, param.Description, opts...)
	case "array:bool", "array:boolean":
		return poe.BooleanArray(param.Name, param.Description, opts...)
	default:
		return poe.String(param.Name, param.Description, opts...)
	}
}
