package workorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/workorder-v1.json
var workorderSchemaJSON string

var ErrInvalid = errors.New("invalid workorder")

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("workorder-v1.json",
		strings.NewReader(workorderSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("workorder-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(doc interface{}) error {
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", ErrInvalid, err)
	}
	return nil
}

var (
	defaultValidator     *Validator
	defaultValidatorErr  error
	defaultValidatorOnce sync.Once
)

func validator() (*Validator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	return defaultValidator, defaultValidatorErr
}

// Parse validates raw workorder JSON and decodes it.
func Parse(data []byte) (*WorkOrder, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalid, err)
	}

	v, err := validator()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(doc); err != nil {
		return nil, err
	}

	var wo WorkOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workorder: %w", err)
	}

	if err := checkStages(&wo); err != nil {
		return nil, err
	}
	return &wo, nil
}

// FromMap converts a decoded JSON object (as carried in a command's data field).
func FromMap(m map[string]interface{}) (*WorkOrder, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workorder: %w", err)
	}
	return Parse(data)
}

// checkStages covers what the schema cannot express: item ids unique within a stage.
func checkStages(wo *WorkOrder) error {
	for i, stage := range wo.Steps {
		seen := make(map[string]struct{}, len(stage.Items))
		for _, it := range stage.Items {
			if _, dup := seen[it.ID]; dup {
				return fmt.Errorf("%w: duplicate item %q in step %d", ErrInvalid, it.ID, i+1)
			}
			seen[it.ID] = struct{}{}
		}
	}
	return nil
}
