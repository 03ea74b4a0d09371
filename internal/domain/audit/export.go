package audit

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

var exportHeaders = []string{
	"Occurred At", "Kind", "Routing ID", "Facility ID", "Notification ID", "Patient Token",
	"Risk Level", "From", "To", "Actor", "Outcome", "Response Seconds", "Detail",
}

var exportWidths = []float64{22, 22, 38, 38, 38, 20, 12, 14, 14, 28, 22, 16, 60}

const (
	entriesSheet = "Audit Entries"
	statsSheet   = "Summary"
)

// WriteXLSX writes entries and their summary as an Excel workbook.
func WriteXLSX(w io.Writer, entries []*Entry, stats *Stats) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(entriesSheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeRow(f, entriesSheet, 1, toCells(exportHeaders)); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err := f.SetCellStyle(entriesSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	for i, width := range exportWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(entriesSheet, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, e := range entries {
		row := []interface{}{
			e.OccurredAt.UTC().Format(time.RFC3339),
			string(e.Kind),
			uuidCell(e.RoutingID),
			uuidCell(e.FacilityID),
			uuidCell(e.NotificationID),
			e.PatientToken,
			e.RiskLevel,
			e.FromStatus,
			e.ToStatus,
			e.Actor,
			e.Outcome,
			floatCell(e.ResponseSeconds),
			string(e.Detail),
		}
		if err := writeRow(f, entriesSheet, i+2, row); err != nil {
			return err
		}
	}

	if stats != nil {
		if err := writeStats(f, stats, headerStyle); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeStats(f *excelize.File, s *Stats, headerStyle int) error {
	if _, err := f.NewSheet(statsSheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	rows := [][]interface{}{
		{"Metric", "Value"},
		{"From", timeCell(s.From)},
		{"To", timeCell(s.To)},
		{"Total routings", s.TotalRoutings},
		{"Confirmed", s.Confirmed},
		{"Unmatched", s.Unmatched},
		{"Confirmation rate", floatCell(s.ConfirmationRate)},
		{"Average response (s)", floatCell(s.AvgResponseSeconds)},
		{"Delivery failures", s.DeliveryFailures},
	}
	for _, risk := range []string{"low", "medium", "high", "emergency"} {
		rows = append(rows, []interface{}{"Routings (" + risk + ")", s.ByRiskLevel[risk]})
	}
	for i, r := range rows {
		if err := writeRow(f, statsSheet, i+1, r); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(statsSheet, "A1", "B1", headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	return f.SetColWidth(statsSheet, "A", "A", 24)
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d: %w", row, err)
	}
	return nil
}

func toCells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func uuidCell(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func floatCell(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func timeCell(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
