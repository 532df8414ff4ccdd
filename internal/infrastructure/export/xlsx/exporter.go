// Package xlsx writes accepted receipts as a spreadsheet.
package xlsx

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

const SheetName = "Accepted"

var headers = []string{
	"Document ID",
	"Merchant",
	"Date",
	"Currency",
	"Subtotal",
	"Tax",
	"Total",
	"Line Items",
	"Decision",
	"Reviewed By",
	"Image Ref",
	"Updated At",
}

type Exporter struct{}

func NewExporter() *Exporter {
	return &Exporter{}
}

func (e *Exporter) Write(w io.Writer, docs []domain.Document) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("xlsx rename sheet: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return fmt.Errorf("xlsx header: %w", err)
		}
	}

	moneyStyle, err := f.NewStyle(&excelize.Style{NumFmt: 2})
	if err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}

	for i := range docs {
		row := i + 2
		if err := writeRow(f, row, &docs[i], moneyStyle); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 30)
	_ = f.SetColWidth(SheetName, "B", "B", 28)
	_ = f.SetColWidth(SheetName, "C", "D", 12)
	_ = f.SetColWidth(SheetName, "E", "G", 12)
	_ = f.SetColWidth(SheetName, "H", "H", 60)
	_ = f.SetColWidth(SheetName, "K", "K", 40)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, row int, doc *domain.Document, moneyStyle int) error {
	summary := summarize(doc.Normalized)

	decision := ""
	if doc.Decision != nil {
		decision = string(doc.Decision.Decision)
	}

	values := []any{
		doc.ID,
		summary.merchant,
		summary.date,
		summary.currency,
		summary.subtotal,
		summary.tax,
		summary.total,
		strings.Join(summary.lineItems, "; "),
		decision,
		doc.ReviewedBy,
		doc.ImageRef,
		doc.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
	}
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		if err := f.SetCellValue(SheetName, cell, v); err != nil {
			return fmt.Errorf("xlsx row %d: %w", row, err)
		}
	}

	from, _ := excelize.CoordinatesToCellName(5, row)
	to, _ := excelize.CoordinatesToCellName(7, row)
	if err := f.SetCellStyle(SheetName, from, to, moneyStyle); err != nil {
		return fmt.Errorf("xlsx row %d style: %w", row, err)
	}
	return nil
}

type receiptSummary struct {
	merchant  string
	date      string
	currency  string
	subtotal  any
	tax       any
	total     any
	lineItems []string
}

// summarize picks the first usable value per field; empty cells stay empty.
func summarize(fields []domain.NormalizedField) receiptSummary {
	s := receiptSummary{subtotal: "", tax: "", total: ""}
	seen := make(map[domain.FieldName]bool)
	for _, f := range fields {
		if !f.OK() {
			continue
		}
		if f.Name == domain.FieldLineItem {
			s.lineItems = append(s.lineItems, lineItemText(f))
			continue
		}
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true

		switch f.Name {
		case domain.FieldMerchant:
			s.merchant = f.Value.Text
		case domain.FieldDate:
			if f.Value.Date != nil {
				s.date = f.Value.Date.Format("2006-01-02")
			}
		case domain.FieldCurrency:
			s.currency = f.Value.Currency
		case domain.FieldSubtotal:
			s.subtotal = amountCell(f)
		case domain.FieldTax:
			s.tax = amountCell(f)
		case domain.FieldTotal:
			s.total = amountCell(f)
		}
	}
	return s
}

func amountCell(f domain.NormalizedField) any {
	if f.Value.Amount == nil {
		return ""
	}
	return f.Value.Amount.InexactFloat64()
}

func lineItemText(f domain.NormalizedField) string {
	parts := make([]string, 0, 3)
	if f.Value.Quantity != nil {
		parts = append(parts, f.Value.Quantity.String()+" x")
	}
	if f.Value.Text != "" {
		parts = append(parts, f.Value.Text)
	}
	if f.Value.Amount != nil {
		parts = append(parts, f.Value.Amount.StringFixed(2))
	}
	return strings.Join(parts, " ")
}
