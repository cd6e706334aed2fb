package poe

import (
	"sort"
	"strings"
)

// ToolBuilder accumulates a declared tool until it is rendered as a wire
// ToolDefinition.
type ToolBuilder struct {
	name        string
	description string
	params      []paramDef
}

type paramDef struct {
	name        string
	paramType   string
	description string
	required    bool
	properties  map[string]*paramDef // For object types
	itemSchema  *paramDef            // For array types with complex items
}

// Name returns the tool's name
func (t *ToolBuilder) Name() string {
	return t.name
}

// Description returns the tool's description with newlines normalized to spaces
// and multiple whitespace collapsed to single spaces
func (t *ToolBuilder) Description() string {
	desc := strings.ReplaceAll(t.description, "\n", " ")
	desc = strings.ReplaceAll(desc, "\t", " ")
	words := strings.Fields(desc)
	return strings.Join(words, " ")
}

// Definition renders the declared tool as the wire-format definition sent to
// a bot.
func (t *ToolBuilder) Definition() ToolDefinition {
	properties, required := t.buildProperties()
	return ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        t.name,
			Description: t.Description(),
			Parameters: ParametersDefinition{
				Type:       "object",
				Properties: properties,
				Required:   required,
			},
		},
	}
}

// buildProperties renders the top-level parameters. Required names keep the
// declaration order.
func (t *ToolBuilder) buildProperties() (map[string]any, []string) {
	properties := make(map[string]any)
	var required []string

	for i := range t.params {
		param := &t.params[i]
		prop := t.buildParamSchema(param)

		if param.description != "" {
			prop["description"] = param.description
		}
		properties[param.name] = prop
		if param.required {
			required = append(required, param.name)
		}
	}
	return properties, required
}

func (t *ToolBuilder) buildParamSchema(param *paramDef) map[string]any {
	if strings.HasPrefix(param.paramType, "array:") {
		itemType := strings.TrimPrefix(param.paramType, "array:")

		var itemSchema map[string]any
		if itemType == "object" && param.itemSchema != nil {
			// Array of objects with defined schema
			itemSchema = t.buildObjectSchema(param.itemSchema)
		} else {
			// Array of primitives
			itemSchema = map[string]any{"type": itemType}
		}

		return map[string]any{
			"type":  "array",
			"items": itemSchema,
		}
	} else if param.paramType == "object" {
		return t.buildObjectSchema(param)
	} else {
		return map[string]any{"type": param.paramType}
	}
}

func (t *ToolBuilder) buildObjectSchema(param *paramDef) map[string]any {
	if len(param.properties) == 0 {
		// Generic object
		return map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		}
	}

	// Object with defined properties
	properties := make(map[string]any)
	var required []string

	for propName, propDef := range param.properties {
		propSchema := t.buildParamSchema(propDef)
		if propDef.description != "" {
			propSchema["description"] = propDef.description
		}
		properties[propName] = propSchema
		if propDef.required {
			required = append(required, propName)
		}
	}
	// Stable order regardless of map iteration
	sort.Strings(required)

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
