package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// schemaNode is the narrow subset of JSON Schema an action's schema_in is
// expected to use: a type keyword plus, for objects, required and
// properties. This is a type-check against a step's bound args, not
// general JSON-schema validation; other keywords are ignored.
type schemaNode struct {
	Type       string                `json:"type,omitempty"`
	Required   []string              `json:"required,omitempty"`
	Properties map[string]schemaNode `json:"properties,omitempty"`
	Items      *schemaNode           `json:"items,omitempty"`
}

// checkSchemaIn type-checks bound args against an action's schema_in. An
// empty schema is treated as unconstrained.
func checkSchemaIn(schemaIn json.RawMessage, args json.RawMessage) error {
	if len(schemaIn) == 0 {
		return nil
	}
	var schema schemaNode
	if err := json.Unmarshal(schemaIn, &schema); err != nil {
		return fmt.Errorf("schema_in: %w", err)
	}
	var value interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &value); err != nil {
			return fmt.Errorf("args: %w", err)
		}
	}
	return schema.check("", value)
}

func (s schemaNode) check(path string, v interface{}) error {
	if s.Type != "" && !typeMatches(s.Type, v) {
		return fmt.Errorf("%s: expected type %q, got %s", label(path), s.Type, jsonTypeName(v))
	}
	if arr, ok := v.([]interface{}); ok && s.Items != nil {
		for i, elem := range arr {
			if err := s.Items.check(fmt.Sprintf("%s[%d]", path, i), elem); err != nil {
				return err
			}
		}
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	for _, req := range s.Required {
		if _, present := obj[req]; !present {
			return fmt.Errorf("%s: missing required field %q", label(path), req)
		}
	}
	for name, sub := range s.Properties {
		field, present := obj[name]
		if !present {
			continue
		}
		if err := sub.check(joinPath(path, name), field); err != nil {
			return err
		}
	}
	return nil
}

func typeMatches(want string, v interface{}) bool {
	switch want {
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "null":
		return v == nil
	default:
		return true
	}
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	default:
		return "unknown"
	}
}

func joinPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func label(path string) string {
	if path == "" {
		return "args"
	}
	return "args." + path
}

// bindArgs walks step args and replaces any string value shaped like
// "$stepID.path.to.field" with the referenced prior step's output value.
// A value that is not a reference string is left as-is.
func bindArgs(args json.RawMessage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return args, nil
	}
	var generic interface{}
	if err := json.Unmarshal(args, &generic); err != nil {
		return nil, fmt.Errorf("bind args: %w", err)
	}
	resolved, err := resolveRefs(generic, outputs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func resolveRefs(v interface{}, outputs map[string]json.RawMessage) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") {
			return resolveRef(t, outputs)
		}
		return t, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			r, err := resolveRefs(val, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			r, err := resolveRefs(val, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return t, nil
	}
}

// resolveRef resolves one "$stepID.output.field.subfield" reference
// against the named step's recorded output. A reference to a step with no
// recorded output, or a path segment that does not resolve, is an
// invalid-input condition.
func resolveRef(ref string, outputs map[string]json.RawMessage) (interface{}, error) {
	path := strings.Split(strings.TrimPrefix(ref, "$"), ".")
	if len(path) < 2 || path[1] != "output" {
		return nil, fmt.Errorf("bind args: reference %q must be of the form $stepID.output...", ref)
	}
	stepID := path[0]
	raw, ok := outputs[stepID]
	if !ok {
		return nil, fmt.Errorf("bind args: reference %q: step %q has no recorded output", ref, stepID)
	}
	var cur interface{}
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, fmt.Errorf("bind args: reference %q: %w", ref, err)
	}
	for _, seg := range path[2:] {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("bind args: reference %q: no field %q", ref, seg)
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("bind args: reference %q: invalid index %q", ref, seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("bind args: reference %q: cannot descend into scalar at %q", ref, seg)
		}
	}
	return cur, nil
}
