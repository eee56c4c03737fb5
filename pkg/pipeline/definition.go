// Package pipeline orchestrates the resolution stages for one collection:
// blocking, scoring, edge materialization and clustering. Stages run in order
// within a run; runs on different collections may execute concurrently.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/aspen/pkg/blocking"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/scoring"
)

// BlockingDefinition selects and configures the blocking strategy for a run.
// Exactly one of the strategy blocks must be present, matching Strategy.
type BlockingDefinition struct {
	Strategy     string                       `json:"strategy" yaml:"strategy" validate:"required,oneof=composite_key fuzzy_text"`
	CompositeKey *blocking.CompositeKeyConfig `json:"compositeKey,omitempty" yaml:"compositeKey,omitempty"`
	FuzzyText    *blocking.FuzzyTextConfig    `json:"fuzzyText,omitempty" yaml:"fuzzyText,omitempty"`
}

// Definition is the full configuration of one pipeline run. It loads from a
// YAML file for the CLI and from JSON for kafka run requests; both carry the
// same shape.
type Definition struct {
	Collection     string                   `json:"collection" yaml:"collection" validate:"required"`
	EdgeCollection string                   `json:"edgeCollection" yaml:"edgeCollection" validate:"required"`
	Blocking       BlockingDefinition       `json:"blocking" yaml:"blocking"`
	Scoring        scoring.Weights          `json:"scoring" yaml:"scoring"`
	EdgeThreshold  *float64                 `json:"edgeThreshold,omitempty" yaml:"edgeThreshold,omitempty"`
	Quality        models.QualityThresholds `json:"quality" yaml:"quality"`
	AuditPairs     bool                     `json:"auditPairs" yaml:"auditPairs"`
}

var validate = validator.New()

// Validate checks the definition for structural problems so a bad definition
// fails before any stage touches the store. The strategy constructors and the
// scorer still run their own deeper checks.
func (d *Definition) Validate() error {
	if err := models.ValidateCollection(d.Collection); err != nil {
		return err
	}
	if err := models.ValidateCollection(d.EdgeCollection); err != nil {
		return err
	}
	if err := validate.Struct(d); err != nil {
		return errs.NewValidationError("definition", d.Collection, err.Error())
	}
	switch d.Blocking.Strategy {
	case blocking.StrategyCompositeKey:
		if d.Blocking.CompositeKey == nil {
			return errs.NewValidationError("blocking.compositeKey", "", "composite_key strategy requires a compositeKey block")
		}
	case blocking.StrategyFuzzyText:
		if d.Blocking.FuzzyText == nil {
			return errs.NewValidationError("blocking.fuzzyText", "", "fuzzy_text strategy requires a fuzzyText block")
		}
	}
	if len(d.Scoring.Fields) == 0 {
		return errs.NewValidationError("scoring.fields", "", "at least one field weight is required")
	}
	return nil
}

// EffectiveEdgeThreshold is the score a pair must clear to become an edge.
// When the definition does not pin one, the scoring upper threshold is used
// so only confident matches are materialized.
func (d *Definition) EffectiveEdgeThreshold() float64 {
	if d.EdgeThreshold != nil {
		return *d.EdgeThreshold
	}
	return d.Scoring.UpperThreshold
}

// LoadDefinition reads a pipeline definition from a YAML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition file %s: %w", path, err)
	}
	return &def, nil
}

// DecodeDefinition parses a definition from JSON, the shape kafka run
// requests embed.
func DecodeDefinition(raw json.RawMessage) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to decode run definition: %w", err)
	}
	return &def, nil
}
