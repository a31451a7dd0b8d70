package audit

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/verenigingen/eboekhouden/utils"
	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary   = "Summary"
	sheetSkips     = "Skip reasons"
	sheetErrors    = "Errors"
	sheetReconcile = "Reconciliation"

	WorkbookContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ExportWorkbook writes the run report as one sheet per section.
func ExportWorkbook(s Summary, rec *Reconciliation) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}

	summary := [][]interface{}{
		{"Run", s.RunId},
		{"Business", s.BusinessId},
		{"Mode", string(s.Mode)},
		{"Status", string(s.Status)},
		{"Dry run", s.DryRun},
		{"From id", s.FromId},
		{"To id", s.ToId},
		{"High water mark", s.HighWaterMark},
		{"Duration (ms)", s.DurationMs},
		{"Processed", s.Counts.Processed},
		{"Created", s.Counts.Created},
		{"Already exists", s.Counts.AlreadyExists},
		{"Skipped", s.Counts.Skipped},
		{"Failed", s.Counts.Failed},
		{"Relabeled", s.Relabeled},
	}
	if s.AbortReason != "" {
		summary = append(summary, []interface{}{"Abort reason", s.AbortReason}, []interface{}{"Abort message", s.AbortMessage})
	}
	if err := writeRows(f, sheetSummary, nil, summary); err != nil {
		return nil, err
	}

	skips := make([][]interface{}, 0, len(s.SkipReasons))
	for _, r := range s.SkipReasons {
		skips = append(skips, []interface{}{string(r.Reason), r.Count})
	}
	if err := writeSheet(f, sheetSkips, []interface{}{"Reason", "Count"}, skips); err != nil {
		return nil, err
	}

	errs := make([][]interface{}, 0, len(s.Errors))
	for _, e := range s.Errors {
		errs = append(errs, []interface{}{e.SourceMutationId, string(e.Phase), e.ErrorClass, e.Message})
	}
	if err := writeSheet(f, sheetErrors, []interface{}{"Mutation", "Phase", "Class", "Message"}, errs); err != nil {
		return nil, err
	}

	if rec != nil {
		lines := make([][]interface{}, 0, len(rec.Lines)+2)
		for _, l := range rec.Lines {
			lines = append(lines, []interface{}{
				string(l.Type), l.Source.StringFixed(2), l.Created.StringFixed(2), l.Difference.StringFixed(2), l.Flagged,
			})
		}
		lines = append(lines, []interface{}{}, []interface{}{"Suspense balance", rec.SuspenseBalance.StringFixed(2)})
		if err := writeSheet(f, sheetReconcile, []interface{}{"Type", "Source", "Created", "Difference", "Flagged"}, lines); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func writeSheet(f *excelize.File, sheet string, header []interface{}, rows [][]interface{}) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	return writeRows(f, sheet, header, rows)
}

func writeRows(f *excelize.File, sheet string, header []interface{}, rows [][]interface{}) error {
	rowNo := 1
	if header != nil {
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return err
		}
		rowNo++
	}
	for _, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, rowNo)
		if err != nil {
			return err
		}
		row := row
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
		rowNo++
	}
	return nil
}

// ReportObjectName is where a run's workbook lives in the report bucket.
func ReportObjectName(businessId string, runId uint) string {
	return fmt.Sprintf("eboekhouden/%s/run-%d.xlsx", strings.TrimSpace(businessId), runId)
}

// UploadReport stores the workbook of a run in GCS.
func UploadReport(ctx context.Context, client *storage.Client, bucket string, businessId string, runId uint, f *excelize.File) (string, error) {
	object := ReportObjectName(businessId, runId)
	metadata := map[string]string{
		"business_id": businessId,
		"run_id":      strconv.FormatUint(uint64(runId), 10),
	}
	err := utils.UploadObject(ctx, client, bucket, object, WorkbookContentType, metadata, func(w io.Writer) error {
		_, err := f.WriteTo(w)
		return err
	})
	return object, err
}
