package main

import (
	"fmt"
	"log"
	"path"
	"strconv"
	"strings"
)

// possibleKeys lists the metadata keys that have historically carried ROI
// data. Both can be present on one container and both are processed.
var possibleKeys = []string{"ohifViewer", "roi"}

// supportedROIs are the viewer measurement buckets we know how to flatten.
// Any other bucket is ignored.
var supportedROIs = []string{"RectangleRoi", "EllipticalRoi"}

// knownExtensions maps a file suffix (the last two dot-parts of the name) to
// the exported File Type. Unknown suffixes pass through without the dot.
var knownExtensions = map[string]string{
	".dcm":    "DICOM",
	".dicom":  "DICOM",
	".nii.gz": "NIFTI",
	".nii":    "NIFTI",
}

// statNames are the cached measurement statistics carried per ROI, in
// output column order. A missing statistic exports as zero.
var statNames = []string{"area", "count", "max", "mean", "min", "stdDev", "variance"}

// roiRecord is one annotated region pulled out of a metadata map, already
// normalized: coordinates ordered min/max, fallback chains applied.
type roiRecord struct {
	Tool        string
	Label       string
	Description string
	Updated     string
	XMin, XMax  float64
	YMin, YMax  float64
	User        string
	Stats       map[string]float64
	StudyUID    string
	SeriesUID   string
	SOPUID      string
}

// hierarchyPath holds the ancestor labels of a resolved file. Levels the
// file does not sit under stay empty.
type hierarchyPath struct {
	Group       string
	Project     string
	Subject     string
	Session     string
	Acquisition string
}

// runSummary counts what a run saw and what it kept, reported once at the
// end so a mostly-skipped export is visible as such.
type runSummary struct {
	Visited    int
	Candidates int
	Exported   int
	Skipped    map[string]int
	NewestROI  string
}

func newRunSummary() *runSummary {
	return &runSummary{Skipped: make(map[string]int)}
}

func (s *runSummary) skip(reason string) {
	s.Skipped[reason]++
}

func (s *runSummary) sawUpdate(updated string) {
	if updated > s.NewestROI {
		s.NewestROI = updated
	}
}

// Curator turns walked nodes into output rows. Sessions carry viewer-format
// measurements, files carry the early flat format; every other kind is
// accepted and contributes nothing.
type Curator struct {
	client  Client
	labels  map[string]string
	summary *runSummary
	debug   bool
}

func newCurator(client Client, debug bool) *Curator {
	return &Curator{
		client:  client,
		labels:  make(map[string]string),
		summary: newRunSummary(),
		debug:   debug,
	}
}

type curateFunc func(*Curator, Node) ([]map[string]string, error)

// curateFuncs is the closed dispatch table over container kinds. A kind
// missing here is a walker bug and is rejected loudly.
var curateFuncs = map[ContainerKind]curateFunc{
	KindProject:     (*Curator).curateNothing,
	KindSubject:     (*Curator).curateNothing,
	KindSession:     (*Curator).curateSession,
	KindAcquisition: (*Curator).curateNothing,
	KindAnalysis:    (*Curator).curateNothing,
	KindFile:        (*Curator).curateFile,
}

// Curate extracts the ROI rows a node contributes. Malformed ROI data is
// skipped with a diagnostic; only repository access failures return an error.
func (c *Curator) Curate(n Node) ([]map[string]string, error) {
	c.summary.Visited++
	if n.Container != nil && n.Container.ID != "" {
		c.labels[n.Container.ID] = n.Container.Label
	}
	fn, ok := curateFuncs[n.Kind()]
	if !ok {
		return nil, fmt.Errorf("no curator for container kind %q", n.Kind())
	}
	return fn(c, n)
}

func (c *Curator) curateNothing(Node) ([]map[string]string, error) {
	return nil, nil
}

func (c *Curator) curateSession(n Node) ([]map[string]string, error) {
	// the walked reference may come from a partial listing
	session, err := c.client.Refresh(n.Container)
	if err != nil {
		return nil, err
	}
	c.labels[session.ID] = session.Label
	if c.debug {
		log.Printf("curating session %s", session.Label)
	}
	for _, key := range possibleKeys {
		if key != "ohifViewer" {
			continue
		}
		measurements, ok := lookupPath(session.Info, "ohifViewer.measurements")
		if !ok {
			continue
		}
		if m, ok := measurements.(map[string]any); ok {
			return c.viewerRows(session, m)
		}
	}
	return nil, nil
}

func (c *Curator) curateFile(n Node) ([]map[string]string, error) {
	f := n.File
	if c.debug {
		log.Printf("curating file %s", f.Name)
	}
	var rows []map[string]string
	for _, key := range possibleKeys {
		switch key {
		case "roi":
			entries, ok := f.Info["roi"].([]any)
			if !ok {
				continue
			}
			simple, err := c.simpleRows(f, entries)
			if err != nil {
				return nil, err
			}
			rows = append(rows, simple...)
		case "ohifViewer":
			measurements, ok := lookupPath(f.Info, "ohifViewer.measurements")
			if !ok {
				continue
			}
			m, ok := measurements.(map[string]any)
			if !ok {
				continue
			}
			sessionID := ""
			if f.parent != nil {
				sessionID = f.parent.Parents.Session
			}
			if sessionID == "" {
				log.Printf("file %s is not at acquisition level, skipping", f.Name)
				continue
			}
			session, err := c.client.Session(sessionID)
			if err != nil {
				return nil, err
			}
			viewer, err := c.viewerRows(session, m)
			if err != nil {
				return nil, err
			}
			rows = append(rows, viewer...)
		}
	}
	return rows, nil
}

// viewerRows flattens a viewer measurements map. Each record names the
// series it was drawn on; the record is matched against the session's
// acquisition files and dropped with a diagnostic when no file matches.
func (c *Curator) viewerRows(session *Container, measurements map[string]any) ([]map[string]string, error) {
	files, err := c.sessionFiles(session)
	if err != nil {
		return nil, err
	}
	var rows []map[string]string
	for _, tool := range supportedROIs {
		bucket, ok := measurements[tool].([]any)
		if !ok {
			continue
		}
		for _, entry := range bucket {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			c.summary.Candidates++
			rec := extractROI(m, tool)
			c.summary.sawUpdate(rec.Updated)
			if rec.SeriesUID == "" {
				log.Printf("no seriesInstanceUid for ROI in session %s", session.Label)
				c.summary.skip("missing series uid")
				continue
			}
			matches := matchSeries(files, rec.SeriesUID)
			if len(matches) == 0 {
				log.Printf("no files match series instance UID %s", rec.SeriesUID)
				c.summary.skip("no file match")
				continue
			}
			if len(matches) > 1 {
				log.Printf("multiple matches for series uid %s, using first", rec.SeriesUID)
			}
			f := matches[0]

			member := ""
			if isDICOM(f) && rec.SOPUID != "" {
				match, err := resolveMember(c.client, Node{File: f}, rec.StudyUID, rec.SeriesUID, rec.SOPUID)
				if err != nil {
					return nil, err
				}
				switch match.Outcome {
				case resolveNoFile:
					c.summary.skip("no file match")
					continue
				case resolveNoSOP:
					member = memberNoSOPMatch
				default:
					member = match.Path
				}
			}

			h, err := c.fileHierarchy(f)
			if err != nil {
				return nil, err
			}
			rows = append(rows, rowFor(rec, f.Name, member, h))
			c.summary.Exported++
		}
	}
	return rows, nil
}

// simpleRows flattens the early flat ROI list attached directly to a file.
// No series lookup is needed, the record describes the file it sits on.
func (c *Curator) simpleRows(f *FileEntry, entries []any) ([]map[string]string, error) {
	var rows []map[string]string
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		tool := firstString(m, "toolType")
		if tool != "rectangleRoi" && tool != "ellipticalRoi" {
			continue
		}
		c.summary.Candidates++
		rec := extractROI(m, tool)
		c.summary.sawUpdate(rec.Updated)
		h, err := c.fileHierarchy(f)
		if err != nil {
			return nil, err
		}
		rows = append(rows, rowFor(rec, f.Name, "", h))
		c.summary.Exported++
	}
	return rows, nil
}

// sessionFiles lists every file attached to the session's acquisitions,
// refreshing each acquisition so the listings are complete.
func (c *Curator) sessionFiles(session *Container) ([]*FileEntry, error) {
	acquisitions, err := c.client.Acquisitions(session.ID)
	if err != nil {
		return nil, err
	}
	var files []*FileEntry
	for _, a := range acquisitions {
		fresh, err := c.client.Refresh(a)
		if err != nil {
			return nil, err
		}
		c.labels[fresh.ID] = fresh.Label
		files = append(files, fresh.Files...)
	}
	return files, nil
}

// matchSeries returns the files whose stored series UID equals want. Stored
// UIDs sometimes carry underscores where dots belong, normalized before the
// comparison.
func matchSeries(files []*FileEntry, want string) []*FileEntry {
	var matches []*FileEntry
	for _, f := range files {
		stored := firstString(f.Info, "SeriesInstanceUID")
		if stored != "" && normalizeUID(stored) == want {
			matches = append(matches, f)
		}
	}
	return matches
}

// fileHierarchy recovers the ancestor labels of a file from its parent
// container. Labels seen during the walk are served from cache, anything
// else is fetched once.
func (c *Curator) fileHierarchy(f *FileEntry) (hierarchyPath, error) {
	parent := f.parent
	if parent == nil {
		return hierarchyPath{}, fmt.Errorf("file %s has no parent container", f.Name)
	}
	h := hierarchyPath{Group: parent.Parents.Group}

	levels := []struct {
		kind ContainerKind
		id   string
		dst  *string
	}{
		{KindProject, parent.Parents.Project, &h.Project},
		{KindSubject, parent.Parents.Subject, &h.Subject},
		{KindSession, parent.Parents.Session, &h.Session},
		{KindAcquisition, parent.Parents.Acquisition, &h.Acquisition},
	}
	for _, level := range levels {
		switch {
		case level.id != "":
			label, err := c.containerLabel(level.kind, level.id)
			if err != nil {
				return hierarchyPath{}, err
			}
			*level.dst = label
		case parent.Kind == level.kind:
			*level.dst = parent.Label
		}
	}
	return h, nil
}

func (c *Curator) containerLabel(kind ContainerKind, id string) (string, error) {
	if label, ok := c.labels[id]; ok {
		return label, nil
	}
	var (
		container *Container
		err       error
	)
	switch kind {
	case KindProject:
		container, err = c.client.Project(id)
	case KindSubject:
		container, err = c.client.Subject(id)
	case KindSession:
		container, err = c.client.Session(id)
	case KindAcquisition:
		container, err = c.client.Acquisition(id)
	default:
		return "", fmt.Errorf("no label lookup for kind %q", kind)
	}
	if err != nil {
		return "", err
	}
	c.labels[id] = container.Label
	return container.Label, nil
}

// extractROI normalizes one raw metadata map into a record. Descriptive
// fields follow fallback chains, the first present value wins; coordinates
// come out ordered min/max whichever way the region was dragged.
func extractROI(m map[string]any, tool string) roiRecord {
	rec := roiRecord{
		Tool:        tool,
		Label:       firstString(m, "location", "label"),
		Description: firstString(m, "description"),
		Updated:     firstString(m, "updatedAt"),
		User:        firstString(m, "updatedById", "flywheelOrigin.id"),
		StudyUID:    firstString(m, "studyInstanceUid"),
		SeriesUID:   firstString(m, "seriesInstanceUid"),
		SOPUID:      firstString(m, "sopInstanceUid"),
		Stats:       make(map[string]float64, len(statNames)),
	}

	sx := floatAt(m, "handles.start.x")
	ex := floatAt(m, "handles.end.x")
	sy := floatAt(m, "handles.start.y")
	ey := floatAt(m, "handles.end.y")
	rec.XMin, rec.XMax = min(sx, ex), max(sx, ex)
	rec.YMin, rec.YMax = min(sy, ey), max(sy, ey)

	for _, name := range statNames {
		rec.Stats[name] = floatAt(m, "cachedStats."+name)
	}
	return rec
}

// rowFor flattens a record plus its resolved hierarchy into one output row.
func rowFor(rec roiRecord, fileName, member string, h hierarchyPath) map[string]string {
	row := map[string]string{
		"Group":        h.Group,
		"Project":      h.Project,
		"Subject":      h.Subject,
		"Session":      h.Session,
		"Acquisition":  h.Acquisition,
		"File Name":    fileName,
		"File Type":    fileTypeFromName(fileName),
		"Dicom Member": member,
		"Label":        rec.Label,
		"Description":  rec.Description,
		"Xmin":         formatFloat(rec.XMin),
		"Xmax":         formatFloat(rec.XMax),
		"Ymin":         formatFloat(rec.YMin),
		"Ymax":         formatFloat(rec.YMax),
		"User":         rec.User,
		"ROI type":     rec.Tool,
	}
	for _, name := range statNames {
		row[name] = formatFloat(rec.Stats[name])
	}
	return row
}

// fileTypeFromName classifies a file by the last two dot-parts of its name,
// so "scan.nii.gz" reads as NIFTI. Unknown suffixes pass through with the
// leading dot stripped.
func fileTypeFromName(name string) string {
	base := name
	var suffixes []string
	for {
		ext := path.Ext(base)
		if ext == "" || ext == base {
			break
		}
		suffixes = append([]string{ext}, suffixes...)
		base = strings.TrimSuffix(base, ext)
	}
	if len(suffixes) > 2 {
		suffixes = suffixes[len(suffixes)-2:]
	}
	suffix := strings.Join(suffixes, "")
	if t, ok := knownExtensions[suffix]; ok {
		return t
	}
	if suffix == "" {
		return ""
	}
	return suffix[1:]
}

func isDICOM(f *FileEntry) bool {
	return strings.EqualFold(f.Type, "dicom")
}

// normalizeUID repairs stored UIDs that carry underscores where the dots
// belong.
func normalizeUID(uid string) string {
	return strings.ReplaceAll(uid, "_", ".")
}

// lookupPath descends a nested metadata map along a dotted path.
func lookupPath(m map[string]any, dotted string) (any, bool) {
	var value any = m
	for _, part := range strings.Split(dotted, ".") {
		sub, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = sub[part]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// firstString walks the given paths in order and returns the first value
// present as a non-empty string.
func firstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		v, ok := lookupPath(m, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// floatAt reads a numeric value along a dotted path, zero when absent.
func floatAt(m map[string]any, dotted string) float64 {
	v, ok := lookupPath(m, dotted)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
