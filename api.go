package poe

// Parameter interface for all parameter types
type Parameter interface {
	// toParamDef converts the parameter to its schema definition
	toParamDef() paramDef
}

// Option interface for parameter options
type Option interface {
	applyToParam(param parameterBase)
}

// Base parameter structure
type parameterBase struct {
	name        string
	description string
	required    bool
}

// Required option
type requiredOption struct{}

func (r requiredOption) applyToParam(param parameterBase) {
	// This will be handled by each parameter type
}

func Required() Option {
	return requiredOption{}
}

// processOptions applies options to a parameterBase and returns true if required
func processOptions(options []Option) bool {
	for _, opt := range options {
		if _, ok := opt.(requiredOption); ok {
			return true
		}
	}
	return false
}

// buildPropertiesFromParams builds a properties map from a slice of Parameter
func buildPropertiesFromParams(properties []Parameter) map[string]*paramDef {
	props := make(map[string]*paramDef)
	for _, prop := range properties {
		def := prop.toParamDef()
		props[def.name] = &def
	}
	return props
}

// Parameter implementations
type stringParam struct {
	parameterBase
}

func (s *stringParam) toParamDef() paramDef {
	return paramDef{
		name:        s.name,
		paramType:   "string",
		description: s.description,
		required:    s.required,
		properties:  make(map[string]*paramDef),
	}
}

type numberParam struct {
	parameterBase
}

func (n *numberParam) toParamDef() paramDef {
	return paramDef{
		name:        n.name,
		paramType:   "number",
		description: n.description,
		required:    n.required,
		properties:  make(map[string]*paramDef),
	}
}

type booleanParam struct {
	parameterBase
}

func (b *booleanParam) toParamDef() paramDef {
	return paramDef{
		name:        b.name,
		paramType:   "boolean",
		description: b.description,
		required:    b.required,
		properties:  make(map[string]*paramDef),
	}
}

type stringArrayParam struct {
	parameterBase
}

func (s *stringArrayParam) toParamDef() paramDef {
	return paramDef{
		name:        s.name,
		paramType:   "array:string",
		description: s.description,
		required:    s.required,
		properties:  make(map[string]*paramDef),
	}
}

type numberArrayParam struct {
	parameterBase
}

func (n *numberArrayParam) toParamDef() paramDef {
	return paramDef{
		name:        n.name,
		paramType:   "array:number",
		description: n.description,
		required:    n.required,
		properties:  make(map[string]*paramDef),
	}
}

type booleanArrayParam struct {
	parameterBase
}

func (b *booleanArrayParam) toParamDef() paramDef {
	return paramDef{
		name:        b.name,
		paramType:   "array:boolean",
		description: b.description,
		required:    b.required,
		properties:  make(map[string]*paramDef),
	}
}

type objectParam struct {
	parameterBase
	properties []Parameter
}

func (o *objectParam) toParamDef() paramDef {
	return paramDef{
		name:        o.name,
		paramType:   "object",
		description: o.description,
		required:    o.required,
		properties:  buildPropertiesFromParams(o.properties),
	}
}

type objectArrayParam struct {
	parameterBase
	properties []Parameter
}

func (o *objectArrayParam) toParamDef() paramDef {
	props := buildPropertiesFromParams(o.properties)
	itemSchema := &paramDef{
		paramType:  "object",
		properties: props,
	}
	return paramDef{
		name:        o.name,
		paramType:   "array:object",
		description: o.description,
		required:    o.required,
		itemSchema:  itemSchema,
	}
}

// String creates a string parameter
func String(name, description string, options ...Option) Parameter {
	return &stringParam{
		parameterBase: parameterBase{
			name:        name,
			description: description,
			required:    processOptions(options),
		},
	}
}

// Number creates a number parameter
func Number(name, description string, options ...Option) Parameter {
	return &numberParam{
		parameterBase: parameterBase{
			name:        name,
			description: description,
			required:    processOptions(options),
		},
	}
}

// Boolean creates a boolean parameter
func Boolean(name, description string, options ...Option) Parameter {
	return &booleanParam{
		parameterBase: parameterBase{
			name:        name,
			description: description,
			required:    processOptions(options),
		},
	}
}

// StringArray creates a string array parameter
func StringArray(name, description string, options ...Option) Parameter {
	return &stringArrayParam{
		parameterBase: parameterBase{
			name:        name,
			description: description,
			required:    processOptions(options),
		},
	}
}

// NumberArray creates a number array parameter
func NumberArray(name, description string, options ...Option) Parameter {
	return &numberArrayParam{
		parameterBase: parameterBase{
			name:        name,
			description: description,
			required:    processOptions(options),
		},
	}
}

// BooleanArray creates a boolean array parameter
func BooleanArray(name, description string, options ...Option) Parameter {
	return &booleanArrayParam{
		parameterBase: parameterBase{
			name:        name,
			description: description,
			required:    processOptions(options),
		},
	}
}

// Object creates an object parameter with properties
func Object(name, description string, propertiesAndOptions ...any) Parameter {
	var properties []Parameter
	required := false

	// Separate properties from options
	for _, item := range propertiesAndOptions {
		if param, ok := item.(Parameter); ok {
			properties = append(properties, param)
		} else if _, ok := item.(requiredOption); ok {
			required = true
		}
	}

	return &objectParam{
		parameterBase: parameterBase{
			name:        name,
			description: description,
			required:    required,
		},
		properties: properties,
	}
}

// ObjectArray creates an array of objects parameter
func ObjectArray(name, description string, propertiesAndOptions ...any) Parameter {
	var properties []Parameter
	required := false

	// Separate properties from options
	for _, item := range propertiesAndOptions {
		if param, ok := item.(Parameter); ok {
			properties = append(properties, param)
		} else if _, ok := item.(requiredOption); ok {
			required = true
		}
	}

	return &objectArrayParam{
		parameterBase: parameterBase{
			name:        name,
			description: description,
			required:    required,
		},
		properties: properties,
	}
}

// NewTool declares a callable tool with the declarative API. Render it to
// the wire form with Definition:
//
//	add := poe.NewTool("add_numbers", "Add two numbers",
//	    poe.Number("a", "First addend", poe.Required()),
//	    poe.Number("b", "Second addend", poe.Required()),
//	).Definition()
func NewTool(name, description string, parameters ...Parameter) *ToolBuilder {
	params := make([]paramDef, 0, len(parameters))
	for _, param := range parameters {
		params = append(params, param.toParamDef())
	}

	return &ToolBuilder{
		name:        name,
		description: description,
		params:      params,
	}
}
