package conduit

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultStageTimeout is applied when a stage declares no timeout.
	DefaultStageTimeout = time.Hour
	// DefaultOnFailure is applied when a stage declares no failure policy.
	DefaultOnFailure = OnFailureStop
)

// stageDocument is the YAML shape of a single stage declaration.
type stageDocument struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"required,oneof=extract transform validate load custom"`
	// Config carries the executor-specific keys verbatim.
	Config    map[string]any `yaml:"config,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
	// TimeoutSeconds bounds one execution attempt. Zero means the default.
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" validate:"min=0"`
	RetryCount     int    `yaml:"retry_count,omitempty"     validate:"min=0"`
	OnFailure      string `yaml:"on_failure,omitempty"      validate:"omitempty,oneof=stop continue rollback"`
}

// pipelineDocument is the YAML shape of a complete pipeline declaration.
type pipelineDocument struct {
	Name          string               `yaml:"name" validate:"required"`
	Description   string               `yaml:"description,omitempty"`
	Version       string               `yaml:"version,omitempty"`
	Schedule      string               `yaml:"schedule,omitempty"`
	Stages        []stageDocument      `yaml:"stages" validate:"required,min=1,dive"`
	GlobalConfig  map[string]any       `yaml:"global_config,omitempty"`
	ErrorHandling map[string]any       `yaml:"error_handling,omitempty"`
	Notifications []NotificationConfig `yaml:"notifications,omitempty"`
}

// ParsePipeline builds a PipelineDefinition from a YAML document.
//
// Defaults are applied per stage: timeout one hour, no retries, stop on
// failure. The document is rejected when a required field is missing, a
// stage type or failure policy is unknown, or two stages share a name.
// Dependency edges are checked later, by Resolve.
func ParsePipeline(doc []byte) (*PipelineDefinition, error) {
	var parsed pipelineDocument
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("parsing pipeline document: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&parsed); err != nil {
		return nil, fmt.Errorf("pipeline document validation failed: %w", err)
	}

	seen := make(map[string]bool, len(parsed.Stages))
	stages := make([]PipelineStage, 0, len(parsed.Stages))
	for i, stage := range parsed.Stages {
		if seen[stage.Name] {
			return nil, NewConfigurationError(stage.Name, "name",
				fmt.Sprintf("duplicate stage name at position %d", i))
		}
		seen[stage.Name] = true

		timeout := DefaultStageTimeout
		if stage.TimeoutSeconds > 0 {
			timeout = time.Duration(stage.TimeoutSeconds) * time.Second
		}
		onFailure := DefaultOnFailure
		if stage.OnFailure != "" {
			onFailure = OnFailurePolicy(stage.OnFailure)
		}

		stages = append(stages, PipelineStage{
			Name:       stage.Name,
			Type:       StageType(stage.Type),
			Config:     stage.Config,
			DependsOn:  stage.DependsOn,
			Timeout:    timeout,
			RetryCount: stage.RetryCount,
			OnFailure:  onFailure,
		})
	}

	return &PipelineDefinition{
		Name:          parsed.Name,
		Description:   parsed.Description,
		Version:       parsed.Version,
		Schedule:      parsed.Schedule,
		Stages:        stages,
		GlobalConfig:  parsed.GlobalConfig,
		ErrorHandling: parsed.ErrorHandling,
		Notifications: parsed.Notifications,
	}, nil
}

// LoadPipelineFile reads and parses a pipeline document from a YAML file.
func LoadPipelineFile(path string) (*PipelineDefinition, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file %q: %w", path, err)
	}
	definition, err := ParsePipeline(doc)
	if err != nil {
		return nil, fmt.Errorf("loading pipeline file %q: %w", path, err)
	}
	return definition, nil
}
