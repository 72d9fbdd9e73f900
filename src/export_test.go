package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func Test_tableAddRow(t *testing.T) {
	table := newTable([]string{"a", "b", "c"})
	if err := table.addRow(map[string]string{"b": "2"}); err != nil {
		t.Fatalf("addRow() error = %v", err)
	}
	if err := table.addRow(map[string]string{"d": "4"}); err == nil {
		t.Errorf("addRow() accepted an unknown column")
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}
}

func Test_tableWriteCSV(t *testing.T) {
	tests := []struct {
		name string
		rows []map[string]string
		want string
	}{
		{"empty table keeps the header", nil, "a,b,c\n"},
		{"missing cells stay empty", []map[string]string{{"b": "2"}}, "a,b,c\n,2,\n"},
		{"cells follow column order", []map[string]string{{"c": "3", "a": "1", "b": "2"}}, "a,b,c\n1,2,3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := newTable([]string{"a", "b", "c"})
			if err := table.merge(tt.rows); err != nil {
				t.Fatalf("merge() error = %v", err)
			}
			var buf bytes.Buffer
			if err := table.writeCSV(&buf); err != nil {
				t.Fatalf("writeCSV() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("writeCSV() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func Test_exportName(t *testing.T) {
	now := time.Date(2021, 6, 15, 13, 4, 5, 0, time.UTC)
	want := "Study01_ROIs_15-06-2021_13-04-05.csv"
	if got := exportName("Study01", now); got != want {
		t.Errorf("exportName() = %q, want %q", got, want)
	}
}

func Test_writeExport(t *testing.T) {
	table := newOutputTable()
	if err := table.addRow(map[string]string{"Group": "grp", "Label": "lesion"}); err != nil {
		t.Fatalf("addRow() error = %v", err)
	}
	dir := filepath.Join(t.TempDir(), "exports")
	now := time.Date(2021, 6, 15, 13, 4, 5, 0, time.UTC)

	path, err := writeExport(table, dir, "Study01", now)
	if err != nil {
		t.Fatalf("writeExport() error = %v", err)
	}
	if filepath.Base(path) != "Study01_ROIs_15-06-2021_13-04-05.csv" {
		t.Errorf("writeExport() path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("export has %d lines, want header plus one row", len(lines))
	}
	if lines[0] != strings.Join(outputColumns, ",") {
		t.Errorf("header = %q", lines[0])
	}
}

func Test_acquireROIs(t *testing.T) {
	fc := newFakeClient()
	project, session, file := buildStudy(fc)
	fc.setMembers(file, ZipMember{Path: "1.2.840.113.77.dcm", Size: 1024})
	session.Info = viewerMeasurement("RectangleRoi", rectangleROI())

	table, summary, err := acquireROIs(fc, project, ExportOptions{})
	if err != nil {
		t.Fatalf("acquireROIs() error = %v", err)
	}
	// the session contributes the row once, the walked file does not add it again
	if table.Len() != 1 {
		t.Fatalf("acquireROIs() produced %d rows, want 1", table.Len())
	}
	row := table.rows[0]
	if got := row[table.index["Session"]]; got != "baseline" {
		t.Errorf("Session = %q, want baseline", got)
	}
	if got := row[table.index["Dicom Member"]]; got != "1.2.840.113.77.dcm" {
		t.Errorf("Dicom Member = %q, want 1.2.840.113.77.dcm", got)
	}
	if summary.Exported != 1 || summary.Candidates != 1 {
		t.Errorf("summary = %d/%d, want 1/1", summary.Exported, summary.Candidates)
	}
	// project, subject, session, acquisition and one file
	if summary.Visited != 5 {
		t.Errorf("summary.Visited = %d, want 5", summary.Visited)
	}
	if summary.NewestROI != "2021-06-01T10:00:00Z" {
		t.Errorf("NewestROI = %q", summary.NewestROI)
	}
}

func Test_acquireROIsSubjectFilter(t *testing.T) {
	fc := newFakeClient()
	project, session, file := buildStudy(fc)
	fc.setMembers(file, ZipMember{Path: "1.2.840.113.77.dcm", Size: 1024})
	session.Info = viewerMeasurement("RectangleRoi", rectangleROI())

	table, _, err := acquireROIs(fc, project, ExportOptions{Subjects: []string{"someone-else"}})
	if err != nil {
		t.Fatalf("acquireROIs() error = %v", err)
	}
	if table.Len() != 0 {
		t.Errorf("acquireROIs() produced %d rows, want 0 outside the subject filter", table.Len())
	}
}
