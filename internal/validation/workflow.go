package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/flowtrack/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (expressions, timeout)
// 3. DAG (duplicate keys, dangling and self references, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions ExpressionCompiler
	outputs    ExpressionCompiler
}

// NewWorkflowValidator creates a WorkflowValidator. conditions compiles step
// guards and outputs compiles the workflow output expression; either may be
// nil to skip that check.
func NewWorkflowValidator(conditions, outputs ExpressionCompiler) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		conditions: conditions,
		outputs:    outputs,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.conditions, wv.outputs))
	result.Merge(validateDAG(def))
	return result
}

// ValidateJSON runs the pipeline on a raw document, so unknown fields are
// reported before the typed decode drops them. The decoded definition is
// returned when the document is structurally valid.
func (wv *WorkflowValidator) ValidateJSON(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := validateStructural(wv.jsonSchema.ValidateJSON(raw))
	if !result.Valid() {
		return nil, result
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("decode workflow definition: %v", err))
		return nil, result
	}
	return &def, wv.Validate(&def)
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// validateStructural converts JSON Schema output into a ValidationResult.
func validateStructural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := flowErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", flowErr.Code, flowErr.Message)
	return result
}
