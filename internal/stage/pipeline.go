package stage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition describes one stage available to runs: its identity, the
// prompt template handed to the invoker, and the schema its output is
// normalized against.
type Definition struct {
	ID     string  `yaml:"id"`
	Prompt string  `yaml:"prompt"`
	Schema *Schema `yaml:"schema"`
}

// Pipeline is the universe of stages a deployment offers. Runs choose an
// ordered subset by id.
type Pipeline struct {
	Stages []Definition `yaml:"stages"`

	byID map[string]*Definition
}

// ParsePipeline reads a pipeline definition from YAML.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}
	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("pipeline defines no stages")
	}

	p.byID = make(map[string]*Definition, len(p.Stages))
	for i := range p.Stages {
		def := &p.Stages[i]
		if def.ID == "" {
			return nil, fmt.Errorf("stage %d has no id", i)
		}
		if _, dup := p.byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", def.ID)
		}
		if def.Schema == nil {
			return nil, fmt.Errorf("stage %q has no schema", def.ID)
		}
		if err := def.Schema.Validate(); err != nil {
			return nil, fmt.Errorf("stage %q: %w", def.ID, err)
		}
		p.byID[def.ID] = def
	}
	return &p, nil
}

// LoadPipeline reads a pipeline definition file from disk.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline definition: %w", err)
	}
	return ParsePipeline(data)
}

// Lookup returns the definition for a stage id.
func (p *Pipeline) Lookup(stageID string) (*Definition, bool) {
	def, ok := p.byID[stageID]
	return def, ok
}

// StageIDs returns every stage id in definition order, the default
// sequence for runs that do not choose their own.
func (p *Pipeline) StageIDs() []string {
	ids := make([]string, len(p.Stages))
	for i := range p.Stages {
		ids[i] = p.Stages[i].ID
	}
	return ids
}

// ValidateSequence checks that every requested stage id exists.
func (p *Pipeline) ValidateSequence(stageIDs []string) error {
	if len(stageIDs) == 0 {
		return fmt.Errorf("stage sequence is empty")
	}
	seen := make(map[string]bool, len(stageIDs))
	for _, id := range stageIDs {
		if _, ok := p.byID[id]; !ok {
			return fmt.Errorf("unknown stage %q", id)
		}
		if seen[id] {
			return fmt.Errorf("stage %q appears twice in sequence", id)
		}
		seen[id] = true
	}
	return nil
}
