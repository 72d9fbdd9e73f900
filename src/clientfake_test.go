package main

import "fmt"

// fakeClient is an in-memory Client over a hand-built hierarchy. It counts
// the calls the components under test are supposed to avoid.
type fakeClient struct {
	containers map[string]*Container
	children   map[string][]*Container
	members    map[string][]ZipMember
	memberData map[string][]byte
	updated    map[string]map[string]any

	refreshCalls map[string]int
	zipInfoCalls int
	readCalls    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers:   make(map[string]*Container),
		children:     make(map[string][]*Container),
		members:      make(map[string][]ZipMember),
		memberData:   make(map[string][]byte),
		updated:      make(map[string]map[string]any),
		refreshCalls: make(map[string]int),
	}
}

func (fc *fakeClient) addProject(id, group, label string) *Container {
	p := &Container{ID: id, Kind: KindProject, Label: label, Parents: Parents{Group: group}}
	fc.containers[id] = p
	return p
}

func (fc *fakeClient) addSubject(project *Container, id, label string) *Container {
	s := &Container{ID: id, Kind: KindSubject, Label: label, Parents: Parents{
		Group:   project.Parents.Group,
		Project: project.ID,
	}}
	fc.containers[id] = s
	fc.children[project.ID] = append(fc.children[project.ID], s)
	return s
}

func (fc *fakeClient) addSession(subject *Container, id, label string) *Container {
	s := &Container{ID: id, Kind: KindSession, Label: label, Parents: Parents{
		Group:   subject.Parents.Group,
		Project: subject.Parents.Project,
		Subject: subject.ID,
	}}
	fc.containers[id] = s
	fc.children[subject.ID] = append(fc.children[subject.ID], s)
	return s
}

func (fc *fakeClient) addAcquisition(session *Container, id, label string) *Container {
	a := &Container{ID: id, Kind: KindAcquisition, Label: label, Parents: Parents{
		Group:   session.Parents.Group,
		Project: session.Parents.Project,
		Subject: session.Parents.Subject,
		Session: session.ID,
	}}
	fc.containers[id] = a
	fc.children[session.ID] = append(fc.children[session.ID], a)
	return a
}

func (fc *fakeClient) addAnalysis(c *Container, id, label string) *Container {
	a := &Container{ID: id, Kind: KindAnalysis, Label: label}
	fc.containers[id] = a
	c.Analyses = append(c.Analyses, a)
	return a
}

func (fc *fakeClient) addFile(c *Container, name, fileType string, info map[string]any) *FileEntry {
	f := &FileEntry{Name: name, Type: fileType, Info: info, parent: c}
	c.Files = append(c.Files, f)
	return f
}

func (fc *fakeClient) setMembers(f *FileEntry, members ...ZipMember) {
	fc.members[f.parent.ID+"/"+f.Name] = members
}

func (fc *fakeClient) setMemberData(f *FileEntry, path string, data []byte) {
	fc.memberData[f.parent.ID+"/"+f.Name+"/"+path] = data
}

func (fc *fakeClient) byKind(id string, kind ContainerKind) (*Container, error) {
	c, ok := fc.containers[id]
	if !ok || c.Kind != kind {
		return nil, &apiError{Status: 404, Message: fmt.Sprintf("no %s %s", kind, id)}
	}
	return c, nil
}

func (fc *fakeClient) Project(id string) (*Container, error) {
	return fc.byKind(id, KindProject)
}

func (fc *fakeClient) Subject(id string) (*Container, error) {
	return fc.byKind(id, KindSubject)
}

func (fc *fakeClient) Session(id string) (*Container, error) {
	return fc.byKind(id, KindSession)
}

func (fc *fakeClient) Acquisition(id string) (*Container, error) {
	return fc.byKind(id, KindAcquisition)
}

func (fc *fakeClient) Projects() ([]*Container, error) {
	var projects []*Container
	for _, c := range fc.containers {
		if c.Kind == KindProject {
			projects = append(projects, c)
		}
	}
	return projects, nil
}

func (fc *fakeClient) Subjects(projectID string) ([]*Container, error) {
	return fc.childList(projectID, KindSubject), nil
}

func (fc *fakeClient) Sessions(subjectID string) ([]*Container, error) {
	return fc.childList(subjectID, KindSession), nil
}

func (fc *fakeClient) Acquisitions(sessionID string) ([]*Container, error) {
	return fc.childList(sessionID, KindAcquisition), nil
}

func (fc *fakeClient) childList(parentID string, kind ContainerKind) []*Container {
	var list []*Container
	for _, c := range fc.children[parentID] {
		if c.Kind == kind {
			list = append(list, c)
		}
	}
	return list
}

func (fc *fakeClient) Refresh(c *Container) (*Container, error) {
	fc.refreshCalls[c.ID]++
	fresh, ok := fc.containers[c.ID]
	if !ok {
		return nil, &apiError{Status: 404, Message: "no container " + c.ID}
	}
	return fresh, nil
}

func (fc *fakeClient) ZipMembers(c *Container, fileName string) ([]ZipMember, error) {
	fc.zipInfoCalls++
	members, ok := fc.members[c.ID+"/"+fileName]
	if !ok {
		return nil, &apiError{Status: 404, Message: "no zip info for " + fileName}
	}
	return members, nil
}

func (fc *fakeClient) ReadZipMember(c *Container, fileName, memberPath string) ([]byte, error) {
	fc.readCalls = append(fc.readCalls, memberPath)
	data, ok := fc.memberData[c.ID+"/"+fileName+"/"+memberPath]
	if !ok {
		return nil, &apiError{Status: 404, Message: "no member " + memberPath}
	}
	return data, nil
}

func (fc *fakeClient) UpdateInfo(c *Container, info map[string]any) error {
	fc.updated[c.ID] = info
	return nil
}

func (fc *fakeClient) UpdateFileInfo(c *Container, fileName string, info map[string]any) error {
	fc.updated[c.ID+"/"+fileName] = info
	return nil
}
