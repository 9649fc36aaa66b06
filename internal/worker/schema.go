package worker

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tatchi/internal/vrferr"
)

const schemaURL = "https://tatchi.local/schema/worker-message-v1.json"

//go:embed schema/message.schema.json
var messageSchema []byte

var (
	compiledOnce sync.Once
	compiled     *jsonschema.Schema
	compileErr   error
)

func envelopeSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		if err := c.AddResource(schemaURL, bytes.NewReader(messageSchema)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// validateEnvelope checks raw against the message schema.
func validateEnvelope(raw []byte) error {
	schema, err := envelopeSchema()
	if err != nil {
		return fmt.Errorf("worker: compile schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("worker: decode message: %w", vrferr.ErrInvalidInput)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("worker: %s: %w", schemaDetail(err), vrferr.ErrInvalidInput)
	}
	return nil
}

// schemaDetail flattens the innermost validation failure into one line.
func schemaDetail(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("invalid message at %s: %s", loc, ve.Message)
}
