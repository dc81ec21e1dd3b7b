package delivery

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON []byte

var envelopeSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("envelope.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add envelope schema resource: %w", err)
	}
	schema, err := c.Compile("envelope.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return schema, nil
})

// DecodeEnvelope validates data against the envelope JSON schema and the
// semantic envelope rules, then decodes it. Malformed input yields a
// deliveryerrors.Error with code VALIDATION_ERROR.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if err := ValidateEnvelopeJSON(data); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, deliveryerrors.Wrap(deliveryerrors.CodeValidation, "decode envelope", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ValidateEnvelopeJSON validates raw JSON against the envelope schema only.
func ValidateEnvelopeJSON(data []byte) error {
	schema, err := envelopeSchema()
	if err != nil {
		return deliveryerrors.Wrap(deliveryerrors.CodeInternal, "load envelope schema", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return deliveryerrors.Wrap(deliveryerrors.CodeValidation, "envelope is not valid JSON", err)
	}
	if err := schema.Validate(doc); err != nil {
		return deliveryerrors.Wrap(deliveryerrors.CodeValidation, "envelope does not match schema", err)
	}
	return nil
}
