package action

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects the JSON Schema of the argument struct T. Fields without
// omitempty are required; unknown properties are rejected.
func SchemaFor[T any]() map[string]any {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := r.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("action: marshal schema for %T: %v", *new(T), err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("action: decode schema for %T: %v", *new(T), err))
	}
	// Providers and the validator only need the object schema itself.
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// Decode converts validated call arguments into the typed struct T.
func Decode[T any](args map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(args)
	if err != nil {
		return out, InvalidArgumentsf("encode arguments: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, InvalidArgumentsf("%v", err)
	}
	return out, nil
}
