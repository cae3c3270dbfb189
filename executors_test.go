package conduit_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conduit "github.com/synoptiq/go-conduit"
)

// --- Collaborator fakes ---

type fakeReader struct {
	data       *conduit.Dataset
	metadata   map[string]any
	err        error
	lastSource string
	lastConfig map[string]any
}

func (f *fakeReader) Read(_ context.Context, source string, config map[string]any) (*conduit.Dataset, map[string]any, error) {
	f.lastSource = source
	f.lastConfig = config
	return f.data, f.metadata, f.err
}

type fakeWriter struct {
	mu         sync.Mutex
	calls      int
	failEvery  int
	counters   map[string]any
	lastConfig map[string]any
}

func (f *fakeWriter) Write(_ context.Context, _ string, data *conduit.Dataset, config map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastConfig = config
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return nil, errors.New("write rejected")
	}
	return f.counters, nil
}

type fakeQueryExec struct {
	queryResult *conduit.Dataset
	queryErr    error
	lastQuery   string
	loadedTable string
	loadedMode  string
	loadedData  *conduit.Dataset
	loadErr     error
}

func (f *fakeQueryExec) Query(_ context.Context, query string) (*conduit.Dataset, error) {
	f.lastQuery = query
	return f.queryResult, f.queryErr
}

func (f *fakeQueryExec) Load(_ context.Context, table string, data *conduit.Dataset, mode string) error {
	f.loadedTable = table
	f.loadedMode = mode
	f.loadedData = data
	return f.loadErr
}

type fakeValidator struct {
	// errors and warnings hold findings for failing records, keyed by the
	// "id" field. A record with any finding reports IsValid=false.
	errors   map[any][]string
	warnings map[any][]string
}

func (f *fakeValidator) Validate(_ context.Context, record map[string]any, _ string, _ string) (*conduit.ValidationReport, error) {
	errs := f.errors[record["id"]]
	warns := f.warnings[record["id"]]
	report := &conduit.ValidationReport{IsValid: len(errs) == 0 && len(warns) == 0}
	for _, msg := range errs {
		report.Results = append(report.Results, conduit.SeverityResult{Severity: "error", Message: msg})
	}
	for _, msg := range warns {
		report.Results = append(report.Results, conduit.SeverityResult{Severity: "warning", Message: msg})
	}
	return report, nil
}

func sampleDataset() *conduit.Dataset {
	return &conduit.Dataset{
		Columns: []string{"id", "name"},
		Records: []map[string]any{
			{"id": 1, "name": "ada"},
			{"id": 2, "name": "alan"},
			{"id": 3, "name": "grace"},
		},
	}
}

func ctxWithData(data *conduit.Dataset) conduit.Context {
	return conduit.Context{"data": data}
}

// --- Extract ---

func TestExtractFromReader(t *testing.T) {
	reader := &fakeReader{
		data:     sampleDataset(),
		metadata: map[string]any{"source_path": "/data/in.csv"},
	}
	executor := conduit.NewExtractExecutor(reader, nil, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "pull",
		Type: conduit.StageTypeExtract,
		Config: map[string]any{
			"source": "file",
			"path":   "/data/{{.env}}/in.csv",
		},
	}
	output, err := executor.Execute(context.Background(), stage, conduit.Context{"env": "staging"})
	require.NoError(t, err)

	assert.Equal(t, "file", reader.lastSource)
	assert.Equal(t, "/data/staging/in.csv", reader.lastConfig["path"], "templated config must be rendered")
	assert.Equal(t, 3, output["record_count"])
	assert.Equal(t, []string{"id", "name"}, output["columns"])
	assert.Equal(t, "file", output["source"])
	assert.Equal(t, "/data/in.csv", output["source_path"])
	assert.Same(t, reader.data, output["data"])
}

func TestExtractFromDatabase(t *testing.T) {
	queryExec := &fakeQueryExec{queryResult: sampleDataset()}
	executor := conduit.NewExtractExecutor(nil, queryExec, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "pull",
		Type: conduit.StageTypeExtract,
		Config: map[string]any{
			"source": "database",
			"query":  "SELECT * FROM patients WHERE env = '{{.env}}'",
		},
	}
	output, err := executor.Execute(context.Background(), stage, conduit.Context{"env": "prod"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM patients WHERE env = 'prod'", queryExec.lastQuery)
	assert.Equal(t, queryExec.lastQuery, output["query"])
	assert.Equal(t, 3, output["record_count"])
}

func TestExtractConfigErrors(t *testing.T) {
	executor := conduit.NewExtractExecutor(&fakeReader{data: &conduit.Dataset{}}, nil, conduit.NewStdTemplateRenderer())

	cases := []struct {
		name   string
		config map[string]any
	}{
		{"missing source", map[string]any{}},
		{"empty source", map[string]any{"source": ""}},
		{"database without executor", map[string]any{"source": "database", "query": "SELECT 1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stage := conduit.PipelineStage{Name: "pull", Type: conduit.StageTypeExtract, Config: tc.config}
			_, err := executor.Execute(context.Background(), stage, conduit.Context{})
			var confErr *conduit.ConfigurationError
			require.ErrorAs(t, err, &confErr)
		})
	}
}

// --- Transform ---

func inlineMapping(rules ...map[string]any) map[string]any {
	ruleList := make([]any, 0, len(rules))
	for _, rule := range rules {
		ruleList = append(ruleList, rule)
	}
	return map[string]any{
		"mappings": []any{
			map[string]any{"rules": ruleList},
		},
	}
}

func TestTransformMapping(t *testing.T) {
	executor := conduit.NewTransformExecutor(nil, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "reshape",
		Type: conduit.StageTypeTransform,
		Config: map[string]any{
			"type": "mapping",
			"mapping": inlineMapping(
				map[string]any{"field": "patient.id", "expression": "{{.id}}"},
				map[string]any{"field": "patient.name", "expression": "{{.name}}"},
				map[string]any{"field": "env", "expression": "{{.environment}}"},
			),
		},
	}
	execCtx := ctxWithData(sampleDataset())
	execCtx["environment"] = "prod"
	output, err := executor.Execute(context.Background(), stage, execCtx)
	require.NoError(t, err)

	data := output["data"].(*conduit.Dataset)
	assert.Equal(t, []string{"patient", "env"}, data.Columns)
	require.Equal(t, 3, data.Len())

	patient := data.Records[0]["patient"].(map[string]any)
	assert.Equal(t, "1", patient["id"], "rule expressions render per record")
	assert.Equal(t, "ada", patient["name"], "dot paths build nested objects")
	assert.Equal(t, "prod", data.Records[0]["env"], "rules also see the execution context")
	assert.Equal(t, 3, output["record_count"])
	assert.Equal(t, "mapping", output["transform_type"])
}

func TestTransformMappingFromFile(t *testing.T) {
	doc := `
mappings:
  - rules:
      - field: full_name
        expression: "{{.name}}"
`
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	executor := conduit.NewTransformExecutor(nil, conduit.NewStdTemplateRenderer())
	stage := conduit.PipelineStage{
		Name: "reshape",
		Type: conduit.StageTypeTransform,
		Config: map[string]any{
			"type":         "mapping",
			"mapping_file": path,
		},
	}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	data := output["data"].(*conduit.Dataset)
	assert.Equal(t, []string{"full_name"}, data.Columns)
	assert.Equal(t, "ada", data.Records[0]["full_name"])
}

func TestTransformMappingConfigErrors(t *testing.T) {
	executor := conduit.NewTransformExecutor(nil, conduit.NewStdTemplateRenderer())

	cases := []struct {
		name   string
		config map[string]any
	}{
		{"missing document", map[string]any{"type": "mapping"}},
		{"no rules", map[string]any{"type": "mapping", "mapping": map[string]any{"mappings": []any{}}}},
		{"rule without expression", map[string]any{
			"type":    "mapping",
			"mapping": inlineMapping(map[string]any{"field": "full_name"}),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stage := conduit.PipelineStage{Name: "reshape", Type: conduit.StageTypeTransform, Config: tc.config}
			_, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
			var confErr *conduit.ConfigurationError
			require.ErrorAs(t, err, &confErr)
		})
	}
}

func TestTransformSQL(t *testing.T) {
	queryExec := &fakeQueryExec{
		queryResult: &conduit.Dataset{
			Columns: []string{"total"},
			Records: []map[string]any{{"total": 3}},
		},
	}
	executor := conduit.NewTransformExecutor(queryExec, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "aggregate",
		Type: conduit.StageTypeTransform,
		Config: map[string]any{
			"type":  "sql",
			"query": "SELECT COUNT(*) AS total FROM {{.input_table}}",
		},
	}
	input := sampleDataset()
	output, err := executor.Execute(context.Background(), stage, ctxWithData(input))
	require.NoError(t, err)

	assert.Equal(t, "temp_input", queryExec.loadedTable)
	assert.Equal(t, "replace", queryExec.loadedMode)
	assert.Same(t, input, queryExec.loadedData)
	assert.Equal(t, "SELECT COUNT(*) AS total FROM temp_input", queryExec.lastQuery,
		"the staging table name is addressable from the query template")
	assert.Equal(t, 1, output["record_count"])
}

func TestTransformSQLCustomInputTable(t *testing.T) {
	queryExec := &fakeQueryExec{queryResult: &conduit.Dataset{}}
	executor := conduit.NewTransformExecutor(queryExec, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "aggregate",
		Type: conduit.StageTypeTransform,
		Config: map[string]any{
			"type":        "sql",
			"query":       "SELECT * FROM {{.input_table}}",
			"input_table": "work",
		},
	}
	_, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)
	assert.Equal(t, "work", queryExec.loadedTable)
	assert.Equal(t, "SELECT * FROM work", queryExec.lastQuery)
}

func TestTransformTemplate(t *testing.T) {
	executor := conduit.NewTransformExecutor(nil, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "render",
		Type: conduit.StageTypeTransform,
		Config: map[string]any{
			"type":     "template",
			"template": "patient-{{.id}}",
		},
	}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	data := output["data"].(*conduit.Dataset)
	assert.Equal(t, "patient-1", data.Records[0]["output"])
	assert.Contains(t, data.Columns, "output")
}

func TestTransformTemplateParsesJSON(t *testing.T) {
	executor := conduit.NewTransformExecutor(nil, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "render",
		Type: conduit.StageTypeTransform,
		Config: map[string]any{
			"type":         "template",
			"template":     `{"resourceType": "Patient", "name": "{{.name}}"}`,
			"target_field": "resource",
		},
	}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	data := output["data"].(*conduit.Dataset)
	resource, ok := data.Records[0]["resource"].(map[string]any)
	require.True(t, ok, "a rendered JSON document becomes structured output")
	assert.Equal(t, "Patient", resource["resourceType"])
	assert.Equal(t, "ada", resource["name"])
}

func TestTransformErrors(t *testing.T) {
	executor := conduit.NewTransformExecutor(nil, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name:   "reshape",
		Type:   conduit.StageTypeTransform,
		Config: map[string]any{"type": "mapping", "mapping": map[string]any{"a": "b"}},
	}
	_, err := executor.Execute(context.Background(), stage, conduit.Context{})
	require.Error(t, err, "a transform without upstream data must fail")

	stage.Config = map[string]any{"type": "teleport"}
	_, err = executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	var confErr *conduit.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

// --- Validate ---

func TestValidatePartitionsRecords(t *testing.T) {
	validator := &fakeValidator{errors: map[any][]string{
		2: {"missing birth date"},
	}}
	executor := conduit.NewValidateExecutor(validator)

	stage := conduit.PipelineStage{Name: "check", Type: conduit.StageTypeValidate, Config: map[string]any{}}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	data := output["data"].(*conduit.Dataset)
	assert.Equal(t, 2, data.Len())
	assert.Equal(t, 2, output["record_count"])

	summary := output["validation_summary"].(map[string]any)
	assert.Equal(t, 3, summary["total_records"])
	assert.Equal(t, 2, summary["valid_count"])
	assert.Equal(t, 1, summary["invalid_count"])
	assert.InDelta(t, 200.0/3.0, summary["validation_rate"], 1e-9)

	invalid := output["invalid_resources"].([]map[string]any)
	require.Len(t, invalid, 1)
	resource := invalid[0]["resource"].(map[string]any)
	assert.Equal(t, 2, resource["id"])
	assert.Equal(t, []string{"missing birth date"}, invalid[0]["errors"])
}

func TestValidateWarningOnlyRecordsStayValid(t *testing.T) {
	validator := &fakeValidator{warnings: map[any][]string{
		2: {"unusual birth date"},
	}}
	executor := conduit.NewValidateExecutor(validator)

	stage := conduit.PipelineStage{Name: "check", Type: conduit.StageTypeValidate, Config: map[string]any{}}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	data := output["data"].(*conduit.Dataset)
	assert.Equal(t, 3, data.Len(), "warning-only records are valid outside strict mode")
	assert.Empty(t, output["invalid_resources"])

	summary := output["validation_summary"].(map[string]any)
	assert.Equal(t, 0, summary["invalid_count"])
	assert.Equal(t, 100.0, summary["validation_rate"])
}

func TestValidateStrictModePartitionsWarnings(t *testing.T) {
	validator := &fakeValidator{warnings: map[any][]string{
		2: {"unusual birth date"},
	}}
	executor := conduit.NewValidateExecutor(validator)

	stage := conduit.PipelineStage{
		Name:   "check",
		Type:   conduit.StageTypeValidate,
		Config: map[string]any{"strict_mode": true},
	}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err, "strict mode partitions, it does not fail the stage")

	data := output["data"].(*conduit.Dataset)
	assert.Equal(t, 2, data.Len())

	invalid := output["invalid_resources"].([]map[string]any)
	require.Len(t, invalid, 1)
	resource := invalid[0]["resource"].(map[string]any)
	assert.Equal(t, 2, resource["id"])
}

func TestValidateAllValid(t *testing.T) {
	executor := conduit.NewValidateExecutor(&fakeValidator{})

	stage := conduit.PipelineStage{Name: "check", Type: conduit.StageTypeValidate, Config: map[string]any{}}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	summary := output["validation_summary"].(map[string]any)
	assert.Equal(t, 0, summary["invalid_count"])
	assert.Equal(t, 100.0, summary["validation_rate"])
	assert.Empty(t, output["invalid_resources"])
}

func TestValidateWithoutValidator(t *testing.T) {
	executor := conduit.NewValidateExecutor(nil)
	stage := conduit.PipelineStage{Name: "check", Type: conduit.StageTypeValidate, Config: map[string]any{}}
	_, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	var confErr *conduit.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

// --- Load ---

func TestLoadDatabase(t *testing.T) {
	queryExec := &fakeQueryExec{}
	executor := conduit.NewLoadExecutor(nil, queryExec, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "push",
		Type: conduit.StageTypeLoad,
		Config: map[string]any{
			"destination": "database",
			"table":       "patients",
			"mode":        "append",
		},
	}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	assert.Equal(t, "patients", queryExec.loadedTable)
	assert.Equal(t, "append", queryExec.loadedMode)
	assert.Equal(t, 3, output["record_count"])
	assert.Equal(t, "database", output["destination"])
}

func TestLoadDatabaseRejectsUnknownMode(t *testing.T) {
	executor := conduit.NewLoadExecutor(nil, &fakeQueryExec{}, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "push",
		Type: conduit.StageTypeLoad,
		Config: map[string]any{
			"destination": "database",
			"table":       "patients",
			"mode":        "upsert",
		},
	}
	_, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	var confErr *conduit.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestLoadFile(t *testing.T) {
	writer := &fakeWriter{counters: map[string]any{"written_count": 3, "path": "/out.json"}}
	executor := conduit.NewLoadExecutor(writer, nil, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "push",
		Type: conduit.StageTypeLoad,
		Config: map[string]any{
			"destination": "file",
			"path":        "/out.json",
		},
	}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	assert.Equal(t, 1, writer.calls)
	assert.Equal(t, 3, output["written_count"])
	assert.Equal(t, "file", output["destination"])
}

func TestLoadFHIRCountsUploads(t *testing.T) {
	// Every second write fails: 3 records yield 2 uploads and 1 failure.
	writer := &fakeWriter{failEvery: 2}
	executor := conduit.NewLoadExecutor(writer, nil, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "upload",
		Type: conduit.StageTypeLoad,
		Config: map[string]any{
			"destination":         "fhir_server",
			"endpoint":            "https://fhir.example.com/Patient",
			"requests_per_second": 1000,
		},
	}
	output, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.NoError(t, err)

	assert.Equal(t, 3, writer.calls)
	assert.Equal(t, 2, output["uploaded_count"])
	assert.Equal(t, 1, output["failed_count"])
	assert.InDelta(t, 2.0/3.0, output["success_rate"], 1e-9)
}

func TestLoadFHIRAllFailed(t *testing.T) {
	writer := &fakeWriter{failEvery: 1}
	executor := conduit.NewLoadExecutor(writer, nil, conduit.NewStdTemplateRenderer())

	stage := conduit.PipelineStage{
		Name: "upload",
		Type: conduit.StageTypeLoad,
		Config: map[string]any{
			"destination":         "fhir_server",
			"endpoint":            "https://fhir.example.com/Patient",
			"requests_per_second": 1000,
		},
	}
	_, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploads failed")
}

func TestLoadConfigErrors(t *testing.T) {
	executor := conduit.NewLoadExecutor(&fakeWriter{}, nil, conduit.NewStdTemplateRenderer())

	cases := []struct {
		name   string
		config map[string]any
	}{
		{"missing destination", map[string]any{}},
		{"fhir without endpoint", map[string]any{"destination": "fhir_server"}},
		{"database without executor", map[string]any{"destination": "database", "table": "t"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stage := conduit.PipelineStage{Name: "push", Type: conduit.StageTypeLoad, Config: tc.config}
			_, err := executor.Execute(context.Background(), stage, ctxWithData(sampleDataset()))
			var confErr *conduit.ConfigurationError
			require.ErrorAs(t, err, &confErr)
		})
	}
}

func TestLoadWithoutData(t *testing.T) {
	executor := conduit.NewLoadExecutor(&fakeWriter{}, nil, conduit.NewStdTemplateRenderer())
	stage := conduit.PipelineStage{
		Name:   "push",
		Type:   conduit.StageTypeLoad,
		Config: map[string]any{"destination": "file", "path": "/out.json"},
	}
	_, err := executor.Execute(context.Background(), stage, conduit.Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data in context")
}

func TestConfigurationErrorMessage(t *testing.T) {
	err := conduit.NewConfigurationError("push", "table", "required")
	assert.Equal(t, `stage "push": invalid configuration key "table": required`, err.Error())
	assert.Equal(t, fmt.Sprintf("%v", err), err.Error())
}
