package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/store"
)

var (
	exportOut   string
	exportLevel string
)

var exportCmd = &cobra.Command{
	Use:   "export [run-id]",
	Short: "Export a run's assessments to a spreadsheet",
	Long:  "Writes an xlsx report of a run's assessments. Without a run ID the most recent completed run is exported.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		runID := ""
		if len(args) == 1 {
			runID = args[0]
		} else {
			runs, err := st.ListRuns(ctx, store.RunFilter{Status: model.RunStatusCompleted, Limit: 1})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				return eris.New("no completed runs to export")
			}
			runID = runs[0].ID
		}

		assessments, err := st.ListAssessments(ctx, runID)
		if err != nil {
			return err
		}

		level := model.QualificationLevel(exportLevel)
		var rows []model.Assessment
		for _, a := range assessments {
			if a.Errored() {
				continue
			}
			if level != "" && a.Level != level {
				continue
			}
			rows = append(rows, a)
		}
		if len(rows) == 0 {
			return eris.Errorf("run %s has no matching assessments", runID)
		}

		if err := writeReport(exportOut, rows); err != nil {
			return err
		}
		fmt.Printf("wrote %d assessments to %s\n", len(rows), exportOut)
		return nil
	},
}

func writeReport(path string, assessments []model.Assessment) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Assessments")
	if err != nil {
		return eris.Wrap(err, "add sheet")
	}

	header := sheet.AddRow()
	for _, name := range []string{
		"Notice ID", "Level", "Score", "Justification",
		"Key Requirements", "Advantages", "Suggested Approach",
		"Model", "Assessed At",
	} {
		header.AddCell().Value = name
	}

	for _, a := range assessments {
		row := sheet.AddRow()
		row.AddCell().Value = a.NoticeID
		row.AddCell().Value = string(a.Level)
		row.AddCell().SetInt(a.Score)
		row.AddCell().Value = a.Justification
		row.AddCell().Value = strings.Join(a.KeyRequirements, "; ")
		row.AddCell().Value = strings.Join(a.Advantages, "; ")
		row.AddCell().Value = a.SuggestedApproach
		row.AddCell().Value = a.Model
		row.AddCell().Value = a.CreatedAt.Format("2006-01-02 15:04")
	}

	return eris.Wrap(file.Save(path), "save spreadsheet")
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "assessments.xlsx", "output file path")
	exportCmd.Flags().StringVar(&exportLevel, "level", string(model.LevelQualified), "filter by qualification band (empty for all)")
	rootCmd.AddCommand(exportCmd)
}
