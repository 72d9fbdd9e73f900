package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/text/message"
)

// outputColumns is the fixed export schema. Every row carries every column,
// whichever metadata variant it came from.
var outputColumns = []string{
	"Group", "Project", "Subject", "Session", "Acquisition",
	"File Name", "File Type", "Dicom Member",
	"Label", "Description",
	"Xmin", "Xmax", "Ymin", "Ymax",
	"User", "ROI type",
	"area", "count", "max", "mean", "min", "stdDev", "variance",
}

// Table accumulates output rows under a fixed column order. Row order is
// insertion order, which follows the traversal.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]string
}

func newTable(columns []string) *Table {
	t := &Table{columns: columns, index: make(map[string]int, len(columns))}
	for i, col := range t.columns {
		t.index[col] = i
	}
	return t
}

func newOutputTable() *Table {
	return newTable(outputColumns)
}

func (t *Table) Len() int { return len(t.rows) }

// addRow appends one row. Missing columns become empty cells, a column the
// schema does not know is a programming error and rejected.
func (t *Table) addRow(row map[string]string) error {
	cells := make([]string, len(t.columns))
	for col, v := range row {
		i, ok := t.index[col]
		if !ok {
			return fmt.Errorf("row carries unknown column %q", col)
		}
		cells[i] = v
	}
	t.rows = append(t.rows, cells)
	return nil
}

// merge folds one container's row-set into the table. An empty row-set is a
// no-op, containers without ROI data contribute nothing.
func (t *Table) merge(rows []map[string]string) error {
	for _, row := range rows {
		if err := t.addRow(row); err != nil {
			return err
		}
	}
	return nil
}

// writeCSV emits the table with a header row and no index column.
func (t *Table) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return err
	}
	for _, row := range t.rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportOptions carries the knobs of one export run.
type ExportOptions struct {
	DepthFirst bool
	Subjects   []string
	Debug      bool
}

// acquireROIs walks the project and folds every curated row-set into one
// table. Repository failures abort the run, malformed ROI data never does.
func acquireROIs(client Client, project *Container, opts ExportOptions) (*Table, *runSummary, error) {
	curator := newCurator(client, opts.Debug)
	walker := newWalker(client, project, WalkerOptions{
		DepthFirst: opts.DepthFirst,
		Subjects:   opts.Subjects,
		Debug:      opts.Debug,
	})
	table := newOutputTable()
	for {
		n, ok, err := walker.Next()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		rows, err := curator.Curate(n)
		if err != nil {
			return nil, nil, err
		}
		if err := table.merge(rows); err != nil {
			return nil, nil, err
		}
	}
	return table, curator.summary, nil
}

// exportName builds the output file name for one run, stamped to the second
// so repeated exports never collide.
func exportName(projectLabel string, now time.Time) string {
	return fmt.Sprintf("%s_ROIs_%s.csv", projectLabel, now.Format("02-01-2006_15-04-05"))
}

// writeExport writes the table below dir and returns the full path.
func writeExport(table *Table, dir, projectLabel string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, exportName(projectLabel, now))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := table.writeCSV(f); err != nil {
		return "", err
	}
	return path, nil
}

// report logs the success ratio of the run, mirrored after the importer's
// final report.
func (s *runSummary) report(p *message.Printer) {
	percent := 100.0
	if s.Candidates > 0 {
		percent = float64(s.Exported) / float64(s.Candidates) * 100
	}
	log.Println(p.Sprintf("Final Report: %d/%d ROIs exported successfully (%.0f%%)", s.Exported, s.Candidates, percent))
	log.Println(p.Sprintf("Walked %d containers and files", s.Visited))
	if len(s.Skipped) == 0 {
		return
	}
	reasons := make([]string, 0, len(s.Skipped))
	for reason := range s.Skipped {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		log.Println(p.Sprintf("  skipped %d: %s", s.Skipped[reason], reason))
	}
}
