// An end-to-end pipeline over a local SQLite database: extract CSV patients,
// normalise field names, validate them, and load the survivors into a table.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	conduit "github.com/synoptiq/go-conduit"
)

const pipelineDoc = `
name: patient-intake
description: Load the daily patient extract into the warehouse
version: 1.0.0
stages:
  - name: extract_patients
    type: extract
    config:
      source: file
      path: "{{.input_path}}"
      format: csv
    retry_count: 2

  - name: normalize_fields
    type: transform
    depends_on: [extract_patients]
    config:
      type: mapping
      mapping:
        mappings:
          - rules:
              - field: patient_id
                expression: "{{.PatientID}}"
              - field: full_name
                expression: "{{.FullName}}"
              - field: birth_date
                expression: "{{.BirthDate}}"

  - name: check_required_fields
    type: validate
    depends_on: [normalize_fields]
    config:
      strict_mode: false

  - name: load_warehouse
    type: load
    depends_on: [check_required_fields]
    config:
      destination: database
      table: patients
      mode: replace
    on_failure: rollback
`

type requiredFieldsValidator struct{}

func (requiredFieldsValidator) Validate(
	_ context.Context,
	record map[string]any,
	_ string,
	_ string,
) (*conduit.ValidationReport, error) {
	report := &conduit.ValidationReport{IsValid: true}
	for _, field := range []string{"patient_id", "full_name"} {
		if v, ok := record[field]; !ok || v == "" {
			report.IsValid = false
			report.Results = append(report.Results, conduit.SeverityResult{
				Severity: "error",
				Message:  fmt.Sprintf("missing %s", field),
			})
		}
	}
	return report, nil
}

func main() {
	logger := log.New(os.Stdout, "[etl] ", log.LstdFlags)

	workDir, err := os.MkdirTemp("", "conduit-etl")
	if err != nil {
		logger.Fatalf("creating work dir: %v", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "patients.csv")
	csvDoc := "PatientID,FullName,BirthDate\n" +
		"p-001,Ada Lovelace,1815-12-10\n" +
		"p-002,Alan Turing,1912-06-23\n" +
		",Missing Identifier,1900-01-01\n"
	if err := os.WriteFile(inputPath, []byte(csvDoc), 0o644); err != nil {
		logger.Fatalf("writing input: %v", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(workDir, "warehouse.db"))
	if err != nil {
		logger.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	definition, err := conduit.ParsePipeline([]byte(pipelineDoc))
	if err != nil {
		logger.Fatalf("parsing pipeline: %v", err)
	}

	engine := conduit.NewEngine(
		conduit.WithLogger(logger),
		conduit.WithMetricsCollector(conduit.NewLoggingMetricsCollector(logger)),
		conduit.WithDataReader(conduit.NewFileConnector()),
		conduit.WithDataWriter(conduit.NewFileConnector()),
		conduit.WithQueryExecutor(conduit.NewSQLQueryExecutor(db)),
		conduit.WithResourceValidator(requiredFieldsValidator{}),
	)

	execution, err := engine.Execute(context.Background(), definition, map[string]any{
		"input_path": inputPath,
	})
	if err != nil {
		logger.Fatalf("pipeline failed: %v", err)
	}

	fmt.Printf("\nexecution %s finished %s in %v\n",
		execution.ExecutionID, execution.Status, execution.Metrics.TotalDuration)
	fmt.Printf("stages completed: %d, records processed: %d\n",
		execution.Metrics.StagesCompleted, execution.Metrics.TotalRecordsProcessed)
	for name, result := range execution.StageResults {
		fmt.Printf("  %-22s %-9s attempts=%d\n", name, result.Status, result.Attempts)
	}

	rows, err := db.Query(`SELECT "patient_id", "full_name" FROM "patients" ORDER BY "patient_id"`)
	if err != nil {
		logger.Fatalf("querying warehouse: %v", err)
	}
	defer rows.Close()

	fmt.Println("\nwarehouse contents:")
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			logger.Fatalf("scanning row: %v", err)
		}
		fmt.Printf("  %s  %s\n", id, name)
	}
	if err := rows.Err(); err != nil {
		logger.Fatalf("iterating rows: %v", err)
	}
}
