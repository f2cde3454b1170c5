package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError names the first argument that failed schema validation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

var schemaCache sync.Map

// CompileSchema compiles a JSON schema given as a map. Compiled schemas are
// cached by their JSON encoding.
func CompileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(data)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateParameters validates params against schema. Values are passed
// through a JSON round trip first, so Go ints and []string validate like
// their decoded counterparts.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	compiled, err := CompileSchema("parameters", schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &ValidationError{Message: err.Error()}
	}

	err = compiled.Validate(decoded)
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return leafError(ve)
	}
	return err
}

// leafError reduces a validation tree to its first concrete failure.
func leafError(ve *jsonschema.ValidationError) *ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		if rest, ok := strings.CutPrefix(ve.Message, "missing properties: '"); ok {
			field, _, _ = strings.Cut(rest, "'")
		}
	}
	return &ValidationError{Field: field, Message: ve.Message}
}

// InferSchema derives an object schema from an example argument map. Every
// key present in args becomes required and typed after its value, so edited
// arguments must keep the shape of the originals.
func InferSchema(args map[string]any) map[string]any {
	properties := make(map[string]any, len(args))
	required := make([]string, 0, len(args))
	for k, v := range args {
		prop := map[string]any{}
		if t := jsonType(reflect.TypeOf(v)); t != "" {
			prop["type"] = t
		}
		properties[k] = prop
		required = append(required, k)
	}
	sort.Strings(required)
	return objectSchema(properties, required)
}

// CreateSchema derives an object schema from a struct using its json tags.
// Fields without omitempty that are not pointers are required; a
// `description` tag is copied into the property.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return objectSchema(map[string]any{}, nil)
	}

	properties := make(map[string]any)
	var required []string
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}

		prop := map[string]any{"type": jsonType(f.Type)}
		if d := f.Tag.Get("description"); d != "" {
			prop["description"] = d
		}
		properties[name] = prop

		if !strings.Contains(opts, "omitempty") && f.Type.Kind() != reflect.Pointer {
			required = append(required, name)
		}
	}
	return objectSchema(properties, required)
}

func objectSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// jsonType maps a Go type to its JSON schema type; "" for nil.
func jsonType(t reflect.Type) string {
	if t == nil {
		return ""
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Pointer:
		return jsonType(t.Elem())
	}
	return "string"
}
