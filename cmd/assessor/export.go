package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/assessor/internal/model"
)

const resultsSheet = "Sheet1"

func runExport(cmd *cobra.Command, _ []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportExamResults(cmd.Context(), v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch strings.ToLower(v.GetString("format")) {
	case "json":
		return writeResultsJSON(w, export)
	case "xlsx":
		return writeResultsXLSX(w, export)
	default:
		return fmt.Errorf("unknown export format %q", v.GetString("format"))
	}
}

func writeResultsJSON(w io.Writer, export model.ResultsExport) error {
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, err = fmt.Fprintln(w)
	return err
}

// writeResultsXLSX writes one row per student with a marks column per question.
func writeResultsXLSX(w io.Writer, export model.ResultsExport) error {
	f := excelize.NewFile()
	defer f.Close()

	header := []any{"Username", "Name", "Submitted", "Marks", "Percentage", "Grade", "Passed", "Reviewed"}
	if len(export.Results) > 0 {
		for _, q := range export.Results[0].Questions {
			header = append(header, fmt.Sprintf("Q%d", q.Number))
		}
	}
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, r := range export.Results {
		submitted := ""
		if r.SubmittedAt != nil {
			submitted = r.SubmittedAt.UTC().Format("2006-01-02 15:04:05")
		}
		row := []any{r.Username, r.DisplayName, submitted, r.TotalMarks, r.Percentage, r.Grade, r.Passed, r.SubjectiveGraded}
		for _, q := range r.Questions {
			row = append(row, q.MarksObtained)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
