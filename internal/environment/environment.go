// Package environment parses workspace environment descriptions into runtime.Environment.
package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eagraf/habitat-runtime/core/runtime"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/qri-io/jsonschema"
	"gopkg.in/yaml.v3"
)

var schema *jsonschema.Schema

func init() {
	schema = &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(environmentSchemaRaw), schema); err != nil {
		panic(fmt.Sprintf("invalid environment schema: %s", err))
	}
}

// Parse decodes a YAML (or JSON) environment description, validates it, and returns it.
// Structural problems are reported as *runtime.ValidationError.
func Parse(raw []byte) (*runtime.Environment, error) {
	return ParseWithOverrides(raw, nil)
}

// ParseWithOverrides is Parse with an RFC 6902 JSON patch applied to the description before it
// is validated. A nil or empty patch is ignored.
func ParseWithOverrides(raw []byte, overrides []byte) (*runtime.Environment, error) {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, runtime.NewValidationError("environment is not valid yaml: %s", err)
	}
	normalize(doc)

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, runtime.NewValidationError("environment cannot be represented as json: %s", err)
	}

	if len(overrides) > 0 {
		patch, err := jsonpatch.DecodePatch(overrides)
		if err != nil {
			return nil, runtime.NewValidationError("invalid environment overrides: %s", err)
		}
		docJSON, err = patch.Apply(docJSON)
		if err != nil {
			return nil, runtime.NewValidationError("error applying environment overrides: %s", err)
		}
	}

	keyErrs, err := schema.ValidateBytes(context.Background(), docJSON)
	if err != nil {
		return nil, runtime.NewValidationError("error validating environment: %s", err)
	}
	if len(keyErrs) != 0 {
		return nil, keyError(keyErrs)
	}

	var env runtime.Environment
	if err := json.Unmarshal(docJSON, &env); err != nil {
		return nil, runtime.NewValidationError("error decoding environment: %s", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func keyError(errs []jsonschema.KeyError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return runtime.NewValidationError("%s", strings.Join(msgs, "; "))
}

// normalize turns YAML scalars that users commonly leave unquoted, such as ports and
// environment values, into strings.
func normalize(doc interface{}) {
	root, ok := doc.(map[string]interface{})
	if !ok {
		return
	}
	machines, ok := root["machines"].(map[string]interface{})
	if !ok {
		return
	}
	for _, m := range machines {
		machine, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		stringifyValues(machine["env"])
		stringifyValues(machine["attributes"])
		if servers, ok := machine["servers"].(map[string]interface{}); ok {
			for _, s := range servers {
				server, ok := s.(map[string]interface{})
				if !ok {
					continue
				}
				if port, ok := server["port"]; ok {
					server["port"] = scalarString(port)
				}
				stringifyValues(server["attributes"])
			}
		}
	}
}

func stringifyValues(v interface{}) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	for k, val := range m {
		m[k] = scalarString(val)
	}
}

func scalarString(v interface{}) interface{} {
	switch val := v.(type) {
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(val)
	default:
		return v
	}
}
