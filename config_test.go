package conduit_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conduit "github.com/synoptiq/go-conduit"
)

const fullDoc = `
name: nightly-sync
description: Sync patients into the warehouse
version: 2.1.0
schedule: "0 2 * * *"
global_config:
  environment: staging
stages:
  - name: pull
    type: extract
    config:
      source: file
      path: /data/in.csv
    timeout_seconds: 120
    retry_count: 3
    on_failure: rollback
  - name: reshape
    type: transform
    depends_on: [pull]
    config:
      type: mapping
      mapping:
        mappings:
          - rules:
              - field: id
                expression: "{{.ID}}"
  - name: push
    type: load
    depends_on: [reshape]
    config:
      destination: database
      table: patients
notifications:
  - type: email
    target: oncall@example.com
    settings:
      subject: pipeline failed
`

func TestParsePipelineFullDocument(t *testing.T) {
	definition, err := conduit.ParsePipeline([]byte(fullDoc))
	require.NoError(t, err)

	assert.Equal(t, "nightly-sync", definition.Name)
	assert.Equal(t, "2.1.0", definition.Version)
	assert.Equal(t, "0 2 * * *", definition.Schedule)
	assert.Equal(t, map[string]any{"environment": "staging"}, definition.GlobalConfig)
	require.Len(t, definition.Stages, 3)

	pull := definition.Stages[0]
	assert.Equal(t, conduit.StageTypeExtract, pull.Type)
	assert.Equal(t, 2*time.Minute, pull.Timeout)
	assert.Equal(t, 3, pull.RetryCount)
	assert.Equal(t, conduit.OnFailureRollback, pull.OnFailure)
	assert.Equal(t, "file", pull.Config["source"])

	reshape := definition.Stages[1]
	assert.Equal(t, []string{"pull"}, reshape.DependsOn)

	require.Len(t, definition.Notifications, 1)
	assert.Equal(t, "email", definition.Notifications[0].Type)
	assert.Equal(t, "oncall@example.com", definition.Notifications[0].Target)
}

func TestParsePipelineDefaults(t *testing.T) {
	doc := `
name: minimal
stages:
  - name: only
    type: custom
`
	definition, err := conduit.ParsePipeline([]byte(doc))
	require.NoError(t, err)

	stage := definition.Stages[0]
	assert.Equal(t, time.Hour, stage.Timeout)
	assert.Equal(t, 0, stage.RetryCount)
	assert.Equal(t, conduit.OnFailureStop, stage.OnFailure)
	assert.Empty(t, stage.DependsOn)
}

func TestParsePipelineRejectsMissingName(t *testing.T) {
	doc := `
stages:
  - name: only
    type: custom
`
	_, err := conduit.ParsePipeline([]byte(doc))
	require.Error(t, err)
}

func TestParsePipelineRejectsEmptyStages(t *testing.T) {
	_, err := conduit.ParsePipeline([]byte("name: empty\nstages: []\n"))
	require.Error(t, err)
}

func TestParsePipelineRejectsUnknownStageType(t *testing.T) {
	doc := `
name: bad-type
stages:
  - name: weird
    type: teleport
`
	_, err := conduit.ParsePipeline([]byte(doc))
	require.Error(t, err)
}

func TestParsePipelineRejectsUnknownPolicy(t *testing.T) {
	doc := `
name: bad-policy
stages:
  - name: s
    type: custom
    on_failure: retry-forever
`
	_, err := conduit.ParsePipeline([]byte(doc))
	require.Error(t, err)
}

func TestParsePipelineRejectsDuplicateStageNames(t *testing.T) {
	doc := `
name: dupes
stages:
  - name: twin
    type: custom
  - name: twin
    type: custom
`
	_, err := conduit.ParsePipeline([]byte(doc))
	require.Error(t, err)

	var confErr *conduit.ConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, "twin", confErr.StageName)
}

func TestParsePipelineRejectsMalformedYAML(t *testing.T) {
	_, err := conduit.ParsePipeline([]byte("name: [unclosed"))
	require.Error(t, err)
}

func TestLoadPipelineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullDoc), 0o644))

	definition, err := conduit.LoadPipelineFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly-sync", definition.Name)
}

func TestLoadPipelineFileMissing(t *testing.T) {
	_, err := conduit.LoadPipelineFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
