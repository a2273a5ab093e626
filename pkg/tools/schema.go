package tools

import "fmt"

// ObjectSchema builds the parameters schema for a tool: an object with
// the given properties, listing which are required.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func StringProperty(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func IntegerProperty(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func BooleanProperty(description string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": description}
}

// validateArgs checks args against an ObjectSchema-shaped parameters
// map: required fields present, declared types respected. Unknown
// fields pass through untouched.
func validateArgs(schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, present := args[field]; !present {
				return fmt.Errorf("missing required argument %q", field)
			}
		}
	} else if required, ok := schema["required"].([]interface{}); ok {
		for _, f := range required {
			field, _ := f.(string)
			if field == "" {
				continue
			}
			if _, present := args[field]; !present {
				return fmt.Errorf("missing required argument %q", field)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]interface{})
	for name, raw := range args {
		prop, ok := properties[name].(map[string]interface{})
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" || raw == nil {
			continue
		}
		if !matchesType(declared, raw) {
			return fmt.Errorf("argument %q must be %s", name, declared)
		}
	}
	return nil
}

func matchesType(declared string, value interface{}) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		// JSON decoding hands numbers over as float64.
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		default:
			return false
		}
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		switch value.(type) {
		case []interface{}, []string:
			return true
		default:
			return false
		}
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}
