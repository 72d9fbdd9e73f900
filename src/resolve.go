package main

import (
	"bytes"
	"fmt"
	"log"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// memberNoSOPMatch marks a row whose archive was found but holds no member
// with the wanted SOP instance UID.
const memberNoSOPMatch = "no SOP match"

type resolveOutcome int

const (
	resolveMatched resolveOutcome = iota
	resolveNoFile
	resolveNoSOP
)

// memberMatch is the result of resolving one SOP instance UID to an archive
// member. Path is set only for resolveMatched.
type memberMatch struct {
	File    *FileEntry
	Path    string
	Outcome resolveOutcome
}

// resolveMember finds the archive member carrying sopUID among the DICOM
// files in scope. Scope is a single file, an acquisition, or a session; the
// session case covers all child acquisitions.
//
// The member listing is checked first: most archives embed the SOP UID in
// the member path, which settles the lookup without touching file bodies.
// Only when no path contains the UID are members downloaded one at a time,
// in listing order, each parsed just far enough to compare its declared SOP
// instance UID, stopping at the first exact match.
func resolveMember(client Client, scope Node, studyUID, seriesUID, sopUID string) (memberMatch, error) {
	files, err := scopeFiles(client, scope)
	if err != nil {
		return memberMatch{}, err
	}

	var candidates []*FileEntry
	for _, f := range files {
		if !isDICOM(f) {
			continue
		}
		if !uidMatches(f.Info, "StudyInstanceUID", studyUID) {
			continue
		}
		if !uidMatches(f.Info, "SeriesInstanceUID", seriesUID) {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		log.Printf("no DICOM files match study %s series %s, has classification run?", studyUID, seriesUID)
		return memberMatch{Outcome: resolveNoFile}, nil
	}
	if len(candidates) > 1 {
		log.Printf("multiple DICOM files match study %s series %s, using first", studyUID, seriesUID)
	}
	f := candidates[0]

	members, err := client.ZipMembers(f.parent, f.Name)
	if err != nil {
		return memberMatch{}, fmt.Errorf("listing members of %s: %w", f.Name, err)
	}

	if sopUID != "" {
		for _, m := range members {
			if strings.Contains(m.Path, sopUID) {
				return memberMatch{File: f, Path: m.Path, Outcome: resolveMatched}, nil
			}
		}
	}

	for _, m := range members {
		data, err := client.ReadZipMember(f.parent, f.Name, m.Path)
		if err != nil {
			return memberMatch{}, fmt.Errorf("reading member %s of %s: %w", m.Path, f.Name, err)
		}
		sop, err := readSOPInstanceUID(data)
		if err != nil {
			// Archives can carry non-DICOM members (DICOMDIR, previews).
			continue
		}
		if sop == sopUID {
			return memberMatch{File: f, Path: m.Path, Outcome: resolveMatched}, nil
		}
	}

	log.Printf("no member of %s matches SOP instance UID %s", f.Name, sopUID)
	return memberMatch{File: f, Outcome: resolveNoSOP}, nil
}

// scopeFiles collects the files a resolve call may consider.
func scopeFiles(client Client, scope Node) ([]*FileEntry, error) {
	switch scope.Kind() {
	case KindFile:
		return []*FileEntry{scope.File}, nil
	case KindAcquisition:
		fresh, err := client.Refresh(scope.Container)
		if err != nil {
			return nil, err
		}
		return fresh.Files, nil
	case KindSession:
		acquisitions, err := client.Acquisitions(scope.Container.ID)
		if err != nil {
			return nil, err
		}
		var files []*FileEntry
		for _, a := range acquisitions {
			sub, err := scopeFiles(client, Node{Container: a})
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
		return files, nil
	default:
		return nil, fmt.Errorf("cannot resolve members within %s scope", scope.Kind())
	}
}

// uidMatches compares a stored UID against a wanted one. An empty criterion
// matches anything, stored underscores are repaired before comparing.
func uidMatches(info map[string]any, key, want string) bool {
	if want == "" {
		return true
	}
	return normalizeUID(firstString(info, key)) == want
}

// readSOPInstanceUID parses a DICOM stream far enough to return its SOP
// instance UID. Package variable so tests can substitute fixture parsing.
var readSOPInstanceUID = func(data []byte) (string, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return "", err
	}
	el, err := ds.FindElementByTag(tag.SOPInstanceUID)
	if err != nil {
		return "", err
	}
	values := dicom.MustGetStrings(el.Value)
	if len(values) == 0 {
		return "", fmt.Errorf("empty SOPInstanceUID element")
	}
	return strings.TrimSpace(values[0]), nil
}
