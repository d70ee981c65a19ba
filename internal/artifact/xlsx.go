package artifact

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

const ledgerSheet = "Failed Prompts"

// WriteLedgerXLSX renders ledger entries as a spreadsheet with one row per
// entry. Columns are index, prompt and one URL column per variant key found
// in the entries (cdn_url for single-variant ledgers).
func WriteLedgerXLSX(w io.Writer, entries []domain.FailureLedgerEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ledgerSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	columns := urlColumns(entries)
	header := []any{"index", "prompt"}
	for _, c := range columns {
		header = append(header, c.name)
	}
	if err := f.SetSheetRow(ledgerSheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, e := range entries {
		row := []any{e.Index, e.Prompt}
		for _, c := range columns {
			row = append(row, c.value(e))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ledgerSheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

type urlColumn struct {
	name   string
	label  domain.VariantLabel
	single bool
}

func (c urlColumn) value(e domain.FailureLedgerEntry) string {
	if c.single {
		if len(e.Labels) != 1 {
			return ""
		}
		return e.URL(e.Labels[0])
	}
	if len(e.Labels) == 1 {
		return ""
	}
	return e.URL(c.label)
}

func urlColumns(entries []domain.FailureLedgerEntry) []urlColumn {
	single := false
	seen := make(map[domain.VariantLabel]bool)
	for _, e := range entries {
		if len(e.Labels) == 1 {
			single = true
			continue
		}
		for _, l := range e.Labels {
			seen[l] = true
		}
	}

	var cols []urlColumn
	if single {
		cols = append(cols, urlColumn{name: "cdn_url", single: true})
	}
	for _, l := range domain.AllVariants {
		if seen[l] {
			cols = append(cols, urlColumn{name: "variant_" + strings.ToLower(string(l)), label: l})
		}
	}
	return cols
}
