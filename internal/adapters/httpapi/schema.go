package httpapi

import (
	"encoding/json"
	"errors"
	"strings"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

const createKeySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "user_id": {"type": ["integer", "null"], "minimum": 1},
    "level": {"type": "integer", "minimum": 0, "maximum": 1000},
    "ignore_limits": {"type": "boolean"}
  }
}`

// validateBody checks raw against sch and flattens the leaf causes into a
// single message.
func validateBody(sch *santhosh.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return errors.New("invalid json body")
	}
	if err := sch.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return errors.New(strings.Join(leafCauses(ve), "; "))
		}
		return err
	}
	return nil
}

func leafCauses(ve *santhosh.ValidationError) []string {
	if len(ve.Causes) == 0 {
		return []string{ve.InstanceLocation + ": " + ve.Message}
	}
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, leafCauses(cause)...)
	}
	return msgs
}
