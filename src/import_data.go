package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/message"
)

// statusReportName is the fixed name of the per-row import report.
const statusReportName = "Data_Import_Status_report.csv"

// importLevels are the container kinds rows may be mapped onto.
var importLevels = map[string]ContainerKind{
	"subject":     KindSubject,
	"session":     KindSession,
	"acquisition": KindAcquisition,
}

// ImportOptions carries the knobs of one metadata import run.
type ImportOptions struct {
	MappingColumn string
	Level         ContainerKind
	Files         bool
	Destination   string
	Overwrite     bool
	DryRun        bool
}

type importSummary struct {
	Success int
	Total   int
}

func (s *importSummary) report(p *message.Printer) {
	percent := 0.0
	if s.Total > 0 {
		percent = float64(s.Success) / float64(s.Total) * 100
	}
	log.Println(p.Sprintf("Final Report: %d/%d objects updated successfully (%.0f%%)", s.Success, s.Total, percent))
	log.Println("See output report file for more details")
}

// readDelimited loads a table file, tab-separated when the name says so.
func readDelimited(path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		r.Comma = '\t'
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%s carries no header row", path)
	}
	return records[0], records[1:], nil
}

// importMetadata maps each row onto one container (or file) below the
// project and merges the row's cells into its info. A row that matches
// nothing or more than one target fails alone, the run continues.
func importMetadata(client Client, project *Container, header []string, rows [][]string, opts ImportOptions) (*Table, *importSummary, error) {
	column := -1
	for i, name := range header {
		if name == opts.MappingColumn {
			column = i
		}
	}
	if column < 0 {
		return nil, nil, fmt.Errorf("no column %q in the input table", opts.MappingColumn)
	}

	targets, err := objectsForImport(client, project, opts.Level, opts.Files)
	if err != nil {
		return nil, nil, err
	}

	report := newTable(append(append([]string{}, header...), "Gear_Status", "Gear_FW_Location"))
	summary := &importSummary{Total: len(rows)}
	labels := make(map[string]string)

	for _, row := range rows {
		cells := make(map[string]string, len(header)+2)
		for i, name := range header {
			if i < len(row) {
				cells[name] = row[i]
			}
		}
		cells["Gear_Status"] = "Failed"

		objectName := cells[opts.MappingColumn]
		log.Printf("setting metadata for %s", objectName)

		matches := matchTargets(targets, objectName, opts.Files)
		if len(matches) > 1 {
			log.Printf("multiple matches for object name %q, not updating any of them", objectName)
			report.addRow(cells)
			continue
		}
		if len(matches) == 0 {
			log.Printf("no match for object name %q", objectName)
			report.addRow(cells)
			continue
		}
		match := matches[0]

		address, err := targetAddress(client, labels, match)
		if err != nil {
			log.Printf("row for %q failed: %v", objectName, err)
			report.addRow(cells)
			continue
		}
		cells["Gear_FW_Location"] = address

		data := make(map[string]any, len(header))
		for _, name := range header {
			if name == opts.MappingColumn {
				continue
			}
			data[name] = parseCell(cells[name])
		}
		data = nestUnder(opts.Destination, data)

		if opts.DryRun {
			log.Printf("would modify info on %s", address)
			cells["Gear_Status"] = "Dry-Run Success"
			summary.Success++
			report.addRow(cells)
			continue
		}

		merged := deepMerge(targetInfo(match), data, opts.Overwrite)
		if err := writeTargetInfo(client, match, merged); err != nil {
			log.Printf("row for %q failed: %v", objectName, err)
			report.addRow(cells)
			continue
		}
		cells["Gear_Status"] = "Success"
		summary.Success++
		report.addRow(cells)
	}

	return report, summary, nil
}

// importTarget is either a container at the mapping level or a file
// attached to one.
type importTarget struct {
	container *Container
	file      *FileEntry
}

// objectsForImport collects every candidate target below the project.
func objectsForImport(client Client, project *Container, level ContainerKind, files bool) ([]importTarget, error) {
	containers, err := containersAtLevel(client, project, level)
	if err != nil {
		return nil, err
	}
	var targets []importTarget
	for _, c := range containers {
		if !files {
			targets = append(targets, importTarget{container: c})
			continue
		}
		fresh, err := client.Refresh(c)
		if err != nil {
			return nil, err
		}
		for _, f := range fresh.Files {
			targets = append(targets, importTarget{file: f})
		}
	}
	return targets, nil
}

// containersAtLevel walks the project down to one hierarchy level.
func containersAtLevel(client Client, project *Container, level ContainerKind) ([]*Container, error) {
	subjects, err := client.Subjects(project.ID)
	if err != nil {
		return nil, err
	}
	if level == KindSubject {
		return subjects, nil
	}
	var sessions []*Container
	for _, s := range subjects {
		children, err := client.Sessions(s.ID)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, children...)
	}
	if level == KindSession {
		return sessions, nil
	}
	var acquisitions []*Container
	for _, s := range sessions {
		children, err := client.Acquisitions(s.ID)
		if err != nil {
			return nil, err
		}
		acquisitions = append(acquisitions, children...)
	}
	if level == KindAcquisition {
		return acquisitions, nil
	}
	return nil, fmt.Errorf("cannot import onto level %q", level)
}

func matchTargets(targets []importTarget, name string, files bool) []importTarget {
	var matches []importTarget
	for _, t := range targets {
		switch {
		case files && t.file != nil && t.file.Name == name:
			matches = append(matches, t)
		case !files && t.container != nil && t.container.Label == name:
			matches = append(matches, t)
		}
	}
	return matches
}

func targetInfo(t importTarget) map[string]any {
	if t.file != nil {
		return t.file.Info
	}
	return t.container.Info
}

func writeTargetInfo(client Client, t importTarget, info map[string]any) error {
	if t.file != nil {
		return client.UpdateFileInfo(t.file.parent, t.file.Name, info)
	}
	return client.UpdateInfo(t.container, info)
}

// targetAddress renders the hierarchy path of a target, group first.
func targetAddress(client Client, labels map[string]string, t importTarget) (string, error) {
	c := t.container
	if t.file != nil {
		c = t.file.parent
	}
	parts := []string{c.Parents.Group}
	ancestors := []struct {
		kind ContainerKind
		id   string
	}{
		{KindProject, c.Parents.Project},
		{KindSubject, c.Parents.Subject},
		{KindSession, c.Parents.Session},
		{KindAcquisition, c.Parents.Acquisition},
	}
	for _, a := range ancestors {
		if a.id == "" {
			continue
		}
		label, ok := labels[a.id]
		if !ok {
			var (
				container *Container
				err       error
			)
			switch a.kind {
			case KindProject:
				container, err = client.Project(a.id)
			case KindSubject:
				container, err = client.Subject(a.id)
			case KindSession:
				container, err = client.Session(a.id)
			case KindAcquisition:
				container, err = client.Acquisition(a.id)
			}
			if err != nil {
				return "", err
			}
			label = container.Label
			labels[a.id] = label
		}
		parts = append(parts, label)
	}
	parts = append(parts, c.Label)
	if t.file != nil {
		parts = append(parts, t.file.Name)
	}
	return strings.Join(parts, "/"), nil
}

// parseCell types a CSV cell the way a spreadsheet reader would: integer,
// then float, then plain string.
func parseCell(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// nestUnder wraps data below a dotted destination. The leading "info"
// segment names the root and nests nothing.
func nestUnder(destination string, data map[string]any) map[string]any {
	levels := strings.Split(destination, ".")
	if len(levels) > 0 && levels[0] == "info" {
		levels = levels[1:]
	}
	for i := len(levels) - 1; i >= 0; i-- {
		data = map[string]any{levels[i]: data}
	}
	return data
}

// deepMerge folds u into d. Maps merge recursively; a scalar already in d
// survives unless overwrite is set.
func deepMerge(d, u map[string]any, overwrite bool) map[string]any {
	if d == nil {
		d = make(map[string]any, len(u))
	}
	for k, v := range u {
		if vm, ok := v.(map[string]any); ok {
			dm, _ := d[k].(map[string]any)
			d[k] = deepMerge(dm, vm, overwrite)
			continue
		}
		if _, present := d[k]; present && !overwrite {
			continue
		}
		d[k] = v
	}
	return d
}
