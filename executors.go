package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config coercion helpers. Every executor validates its configuration up
// front so malformed stages fail fast instead of burning retries.

func requireString(stage PipelineStage, key string) (string, error) {
	v, ok := stage.Config[key]
	if !ok {
		return "", NewConfigurationError(stage.Name, key, "required")
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", NewConfigurationError(stage.Name, key, "must be a non-empty string")
	}
	return s, nil
}

func optString(stage PipelineStage, key, fallback string) (string, error) {
	v, ok := stage.Config[key]
	if !ok {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", NewConfigurationError(stage.Name, key, "must be a string")
	}
	return s, nil
}

func optBool(stage PipelineStage, key string, fallback bool) (bool, error) {
	v, ok := stage.Config[key]
	if !ok {
		return fallback, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, NewConfigurationError(stage.Name, key, "must be a boolean")
	}
	return b, nil
}

func optFloat(stage PipelineStage, key string, fallback float64) (float64, error) {
	v, ok := stage.Config[key]
	if !ok {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, NewConfigurationError(stage.Name, key, "must be a number")
	}
}

// renderConfig passes every string value of the stage config through the
// renderer so templated paths, queries and URLs see the current context.
func renderConfig(
	renderer TemplateRenderer,
	stage PipelineStage,
	execCtx Context,
) (map[string]any, error) {
	rendered := make(map[string]any, len(stage.Config))
	for key, value := range stage.Config {
		s, ok := value.(string)
		if !ok {
			rendered[key] = value
			continue
		}
		out, err := renderer.Render(s, execCtx)
		if err != nil {
			return nil, NewConfigurationError(stage.Name, key, err.Error())
		}
		rendered[key] = out
	}
	return rendered, nil
}

// ExtractExecutor reads data into the execution context. The source kind
// selects the collaborator: "database" goes through the QueryExecutor,
// everything else ("file", "api", ...) through the DataReader.
type ExtractExecutor struct {
	reader    DataReader
	queryExec QueryExecutor
	renderer  TemplateRenderer
}

// Ensure ExtractExecutor implements StageExecutor.
var _ StageExecutor = (*ExtractExecutor)(nil)

// NewExtractExecutor creates the extract executor.
func NewExtractExecutor(reader DataReader, queryExec QueryExecutor, renderer TemplateRenderer) *ExtractExecutor {
	return &ExtractExecutor{reader: reader, queryExec: queryExec, renderer: renderer}
}

// Execute implements StageExecutor for ExtractExecutor.
func (x *ExtractExecutor) Execute(
	ctx context.Context,
	stage PipelineStage,
	execCtx Context,
) (map[string]any, error) {
	source, err := requireString(stage, "source")
	if err != nil {
		return nil, err
	}

	config, err := renderConfig(x.renderer, stage, execCtx)
	if err != nil {
		return nil, err
	}

	var (
		data     *Dataset
		metadata map[string]any
	)
	switch source {
	case "database":
		if x.queryExec == nil {
			return nil, NewConfigurationError(stage.Name, "source", "no query executor configured")
		}
		query, ok := config["query"].(string)
		if !ok || query == "" {
			return nil, NewConfigurationError(stage.Name, "query", "required for database extraction")
		}
		data, err = x.queryExec.Query(ctx, query)
		metadata = map[string]any{"query": query}
	default:
		if x.reader == nil {
			return nil, NewConfigurationError(stage.Name, "source", "no data reader configured")
		}
		data, metadata, err = x.reader.Read(ctx, source, config)
	}
	if err != nil {
		return nil, fmt.Errorf("extracting from %s: %w", source, err)
	}

	output := map[string]any{
		"data":         data,
		"record_count": data.Len(),
		"columns":      data.Columns,
		"source":       source,
		"extracted_at": time.Now().Format(time.RFC3339),
	}
	for k, v := range metadata {
		output[k] = v
	}
	return output, nil
}

// TransformExecutor reshapes the dataset currently in the execution context.
// Three transform types are supported:
//
//	mapping   apply a mapping document of field rules record by record
//	sql       stage the data into a table and replace it with a query result
//	template  render a per-record template into a target field
type TransformExecutor struct {
	queryExec QueryExecutor
	renderer  TemplateRenderer
}

// Ensure TransformExecutor implements StageExecutor.
var _ StageExecutor = (*TransformExecutor)(nil)

// NewTransformExecutor creates the transform executor.
func NewTransformExecutor(queryExec QueryExecutor, renderer TemplateRenderer) *TransformExecutor {
	return &TransformExecutor{queryExec: queryExec, renderer: renderer}
}

// Execute implements StageExecutor for TransformExecutor.
func (t *TransformExecutor) Execute(
	ctx context.Context,
	stage PipelineStage,
	execCtx Context,
) (map[string]any, error) {
	transformType, err := requireString(stage, "type")
	if err != nil {
		return nil, err
	}

	data := execCtx.Dataset()
	if data == nil {
		return nil, fmt.Errorf("no data in context: transform %q needs an upstream extract", stage.Name)
	}

	var result *Dataset
	switch transformType {
	case "mapping":
		result, err = t.applyMapping(stage, execCtx, data)
	case "sql":
		result, err = t.applySQL(ctx, stage, execCtx, data)
	case "template":
		result, err = t.applyTemplate(stage, execCtx, data)
	default:
		return nil, NewConfigurationError(stage.Name, "type",
			fmt.Sprintf("unknown transform type %q", transformType))
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"data":           result,
		"record_count":   result.Len(),
		"transform_type": transformType,
	}, nil
}

// mappingDocument is the YAML shape of a mapping transform: groups of rules,
// each rendering a template expression per record and setting the result at a
// dot-path field.
type mappingDocument struct {
	Mappings []struct {
		Rules []mappingRule `yaml:"rules"`
	} `yaml:"mappings"`
}

type mappingRule struct {
	Field      string `yaml:"field"`
	Expression string `yaml:"expression"`
}

func (d *mappingDocument) rules() []mappingRule {
	var rules []mappingRule
	for _, group := range d.Mappings {
		rules = append(rules, group.Rules...)
	}
	return rules
}

// loadMappingDocument reads the mapping document from the mapping_file config
// key, or from an inline mapping entry.
func loadMappingDocument(stage PipelineStage) (*mappingDocument, error) {
	path, err := optString(stage, "mapping_file", "")
	if err != nil {
		return nil, err
	}

	var raw []byte
	switch {
	case path != "":
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading mapping file %q: %w", path, err)
		}
	default:
		inline, ok := stage.Config["mapping"]
		if !ok {
			return nil, NewConfigurationError(stage.Name, "mapping", "mapping or mapping_file required for mapping transform")
		}
		raw, err = yaml.Marshal(inline)
		if err != nil {
			return nil, NewConfigurationError(stage.Name, "mapping", err.Error())
		}
	}

	var doc mappingDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, NewConfigurationError(stage.Name, "mapping", err.Error())
	}
	if len(doc.rules()) == 0 {
		return nil, NewConfigurationError(stage.Name, "mapping", "document declares no rules")
	}
	for _, rule := range doc.rules() {
		if rule.Field == "" || rule.Expression == "" {
			return nil, NewConfigurationError(stage.Name, "mapping", "every rule needs a field and an expression")
		}
	}
	return &doc, nil
}

func (t *TransformExecutor) applyMapping(stage PipelineStage, execCtx Context, data *Dataset) (*Dataset, error) {
	doc, err := loadMappingDocument(stage)
	if err != nil {
		return nil, err
	}
	rules := doc.rules()

	records := make([]map[string]any, 0, data.Len())
	for i, record := range data.Records {
		scope := execCtx.Clone()
		scope.Merge(record)

		mapped := make(map[string]any)
		for _, rule := range rules {
			value, renderErr := t.renderer.Render(rule.Expression, scope)
			if renderErr != nil {
				return nil, fmt.Errorf("rendering %q for record %d: %w", rule.Field, i, renderErr)
			}
			setNestedField(mapped, rule.Field, value)
		}
		records = append(records, mapped)
	}

	// Output columns are the top-level segments of the rule paths, in rule order.
	var columns []string
	for _, rule := range rules {
		top := rule.Field
		if idx := strings.IndexByte(top, '.'); idx >= 0 {
			top = top[:idx]
		}
		if !contains(columns, top) {
			columns = append(columns, top)
		}
	}
	return &Dataset{Columns: columns, Records: records}, nil
}

// setNestedField sets value at a dot-separated path, creating intermediate
// maps as needed. A path segment colliding with a non-map value is replaced.
func setNestedField(obj map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := obj
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func (t *TransformExecutor) applySQL(
	ctx context.Context,
	stage PipelineStage,
	execCtx Context,
	data *Dataset,
) (*Dataset, error) {
	if t.queryExec == nil {
		return nil, NewConfigurationError(stage.Name, "type", "no query executor configured")
	}
	query, err := requireString(stage, "query")
	if err != nil {
		return nil, err
	}
	table, err := optString(stage, "input_table", "temp_input")
	if err != nil {
		return nil, err
	}

	if err := t.queryExec.Load(ctx, table, data, "replace"); err != nil {
		return nil, fmt.Errorf("staging data into %q: %w", table, err)
	}

	// The staging table name is addressable from the query template.
	scope := execCtx.Clone()
	scope["input_table"] = table
	query, err = t.renderer.Render(query, scope)
	if err != nil {
		return nil, NewConfigurationError(stage.Name, "query", err.Error())
	}
	result, err := t.queryExec.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("running transform query: %w", err)
	}
	return result, nil
}

func (t *TransformExecutor) applyTemplate(
	stage PipelineStage,
	execCtx Context,
	data *Dataset,
) (*Dataset, error) {
	tmpl, err := requireString(stage, "template")
	if err != nil {
		return nil, err
	}
	targetField, err := optString(stage, "target_field", "output")
	if err != nil {
		return nil, err
	}

	records := make([]map[string]any, 0, data.Len())
	for i, record := range data.Records {
		scope := execCtx.Clone()
		scope.Merge(record)
		rendered, renderErr := t.renderer.Render(tmpl, scope)
		if renderErr != nil {
			return nil, fmt.Errorf("rendering record %d: %w", i, renderErr)
		}

		out := make(map[string]any, len(record)+1)
		for k, v := range record {
			out[k] = v
		}
		// A template that renders a JSON document becomes structured output.
		if parsed, ok := parseJSONObject(rendered); ok {
			out[targetField] = parsed
		} else {
			out[targetField] = rendered
		}
		records = append(records, out)
	}

	columns := append([]string(nil), data.Columns...)
	if !contains(columns, targetField) {
		columns = append(columns, targetField)
	}
	return &Dataset{Columns: columns, Records: records}, nil
}

func parseJSONObject(s string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ValidateExecutor checks every record in the context dataset against the
// configured validator and partitions the data into valid and invalid
// records. A record with error-severity findings is always invalid; one
// flagged with warnings only stays valid unless strict_mode is set. Invalid
// records are dropped from the data and reported under invalid_resources.
type ValidateExecutor struct {
	validator ResourceValidator
}

// Ensure ValidateExecutor implements StageExecutor.
var _ StageExecutor = (*ValidateExecutor)(nil)

// NewValidateExecutor creates the validate executor.
func NewValidateExecutor(validator ResourceValidator) *ValidateExecutor {
	return &ValidateExecutor{validator: validator}
}

// Execute implements StageExecutor for ValidateExecutor.
func (v *ValidateExecutor) Execute(
	ctx context.Context,
	stage PipelineStage,
	execCtx Context,
) (map[string]any, error) {
	if v.validator == nil {
		return nil, NewConfigurationError(stage.Name, "type", "no validator configured")
	}

	profile, err := optString(stage, "profile", "")
	if err != nil {
		return nil, err
	}
	level, err := optString(stage, "level", "error")
	if err != nil {
		return nil, err
	}
	strictMode, err := optBool(stage, "strict_mode", false)
	if err != nil {
		return nil, err
	}

	data := execCtx.Dataset()
	if data == nil {
		return nil, fmt.Errorf("no data in context: validate %q needs an upstream extract", stage.Name)
	}

	valid := make([]map[string]any, 0, data.Len())
	invalid := make([]map[string]any, 0)

	for i, record := range data.Records {
		report, valErr := v.validator.Validate(ctx, record, profile, level)
		if valErr != nil {
			return nil, fmt.Errorf("validating record %d: %w", i, valErr)
		}
		errs := report.Errors()
		if report.IsValid || (!strictMode && len(errs) == 0) {
			valid = append(valid, record)
			continue
		}
		invalid = append(invalid, map[string]any{
			"resource": record,
			"errors":   errs,
		})
	}

	total := data.Len()
	validationRate := float64(len(valid)) / float64(max(1, total)) * 100

	return map[string]any{
		"data":         &Dataset{Columns: data.Columns, Records: valid},
		"record_count": len(valid),
		"validation_summary": map[string]any{
			"total_records":   total,
			"valid_count":     len(valid),
			"invalid_count":   len(invalid),
			"validation_rate": validationRate,
		},
		"invalid_resources": invalid,
	}, nil
}

// LoadExecutor writes the context dataset to its destination. Database loads
// go through the QueryExecutor; "fhir_server" uploads record by record under
// a client-side rate limit; everything else is delegated to the DataWriter
// in one call.
type LoadExecutor struct {
	writer    DataWriter
	queryExec QueryExecutor
	renderer  TemplateRenderer
}

// Ensure LoadExecutor implements StageExecutor.
var _ StageExecutor = (*LoadExecutor)(nil)

// NewLoadExecutor creates the load executor.
func NewLoadExecutor(writer DataWriter, queryExec QueryExecutor, renderer TemplateRenderer) *LoadExecutor {
	return &LoadExecutor{writer: writer, queryExec: queryExec, renderer: renderer}
}

// Execute implements StageExecutor for LoadExecutor.
func (l *LoadExecutor) Execute(
	ctx context.Context,
	stage PipelineStage,
	execCtx Context,
) (map[string]any, error) {
	destination, err := requireString(stage, "destination")
	if err != nil {
		return nil, err
	}

	data := execCtx.Dataset()
	if data == nil {
		return nil, fmt.Errorf("no data in context: load %q needs an upstream extract", stage.Name)
	}

	config, err := renderConfig(l.renderer, stage, execCtx)
	if err != nil {
		return nil, err
	}

	switch destination {
	case "database":
		return l.loadDatabase(ctx, stage, config, data)
	case "fhir_server":
		return l.loadFHIR(ctx, stage, config, data)
	default:
		if l.writer == nil {
			return nil, NewConfigurationError(stage.Name, "destination", "no data writer configured")
		}
		counters, writeErr := l.writer.Write(ctx, destination, data, config)
		if writeErr != nil {
			return nil, fmt.Errorf("loading to %s: %w", destination, writeErr)
		}
		output := map[string]any{
			"destination":  destination,
			"record_count": data.Len(),
			"loaded_at":    time.Now().Format(time.RFC3339),
		}
		for k, v := range counters {
			output[k] = v
		}
		return output, nil
	}
}

func (l *LoadExecutor) loadDatabase(
	ctx context.Context,
	stage PipelineStage,
	config map[string]any,
	data *Dataset,
) (map[string]any, error) {
	if l.queryExec == nil {
		return nil, NewConfigurationError(stage.Name, "destination", "no query executor configured")
	}
	table, ok := config["table"].(string)
	if !ok || table == "" {
		return nil, NewConfigurationError(stage.Name, "table", "required for database load")
	}
	mode, _ := config["mode"].(string)
	if mode == "" {
		mode = "replace"
	}
	if mode != "replace" && mode != "append" {
		return nil, NewConfigurationError(stage.Name, "mode", `must be "replace" or "append"`)
	}

	if err := l.queryExec.Load(ctx, table, data, mode); err != nil {
		return nil, fmt.Errorf("loading into table %q: %w", table, err)
	}
	return map[string]any{
		"destination":  "database",
		"table":        table,
		"mode":         mode,
		"record_count": data.Len(),
		"loaded_at":    time.Now().Format(time.RFC3339),
	}, nil
}

// loadFHIR uploads one record at a time so a slow or flaky server fails
// per-record instead of per-batch. Upload pacing is client-side via the
// requests_per_second setting, default 10.
func (l *LoadExecutor) loadFHIR(
	ctx context.Context,
	stage PipelineStage,
	config map[string]any,
	data *Dataset,
) (map[string]any, error) {
	if l.writer == nil {
		return nil, NewConfigurationError(stage.Name, "destination", "no data writer configured")
	}
	endpoint, ok := config["endpoint"].(string)
	if !ok || endpoint == "" {
		return nil, NewConfigurationError(stage.Name, "endpoint", "required for fhir_server load")
	}
	rps, err := optFloat(stage, "requests_per_second", 10)
	if err != nil {
		return nil, err
	}
	if rps <= 0 {
		return nil, NewConfigurationError(stage.Name, "requests_per_second", "must be positive")
	}

	limiter := rate.NewLimiter(rate.Limit(rps), 1)
	uploaded := 0
	failed := 0
	var lastErr error

	for _, record := range data.Records {
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			return nil, waitErr
		}
		single := &Dataset{Columns: data.Columns, Records: []map[string]any{record}}
		if _, writeErr := l.writer.Write(ctx, "fhir_server", single, config); writeErr != nil {
			failed++
			lastErr = writeErr
			continue
		}
		uploaded++
	}

	successRate := 1.0
	if data.Len() > 0 {
		successRate = float64(uploaded) / float64(data.Len())
	}
	output := map[string]any{
		"destination":    "fhir_server",
		"endpoint":       endpoint,
		"record_count":   data.Len(),
		"uploaded_count": uploaded,
		"failed_count":   failed,
		"success_rate":   successRate,
		"loaded_at":      time.Now().Format(time.RFC3339),
	}
	if uploaded == 0 && failed > 0 {
		return nil, fmt.Errorf("all %d uploads failed: %w", failed, lastErr)
	}
	return output, nil
}
