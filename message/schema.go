package message

import (
	"github.com/invopop/jsonschema"
)

// JSONSchema describes a SharedBuffer on stream transports.
func (SharedBuffer) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:            "string",
		ContentEncoding: "base64",
		Description:     "module binary; passed by reference in-process",
	}
}

// Schema returns the JSON schema of every envelope variant keyed by method.
func Schema() map[Method]*jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	out := make(map[Method]*jsonschema.Schema, len(Methods))
	for _, method := range Methods {
		m, _ := New(method)
		s := r.Reflect(m)
		if s.Properties == nil {
			s.Properties = jsonschema.NewProperties()
		}
		s.Properties.Set("method", &jsonschema.Schema{
			Type:  "string",
			Const: string(method),
		})
		s.Required = append([]string{"method"}, s.Required...)
		s.Title = string(method)
		out[method] = s
	}
	return out
}
