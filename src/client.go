package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the repository access layer the walker, curator and importer
// share. The production implementation talks REST, tests substitute an
// in-memory fixture.
type Client interface {
	Project(id string) (*Container, error)
	Subject(id string) (*Container, error)
	Session(id string) (*Container, error)
	Acquisition(id string) (*Container, error)
	Projects() ([]*Container, error)
	Subjects(projectID string) ([]*Container, error)
	Sessions(subjectID string) ([]*Container, error)
	Acquisitions(sessionID string) ([]*Container, error)
	// Refresh re-fetches a container so files and analyses are complete.
	Refresh(c *Container) (*Container, error)
	ZipMembers(c *Container, fileName string) ([]ZipMember, error)
	ReadZipMember(c *Container, fileName, memberPath string) ([]byte, error)
	UpdateInfo(c *Container, info map[string]any) error
	UpdateFileInfo(c *Container, fileName string, info map[string]any) error
}

// ZipMember is one entry of a zip archive stored in the repository.
type ZipMember struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// apiError carries the status and message of a failed repository call.
type apiError struct {
	Status  int
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// restClient implements Client against the repository REST API. All calls
// authenticate with the user's API key.
type restClient struct {
	base *url.URL
	key  string
	http *http.Client

	// blobs caches whole-file downloads made when the zip/info endpoint is
	// unavailable, so listing members and reading one member costs one
	// download, not two.
	blobs map[string][]byte
}

func newRESTClient(host, key string) (*restClient, error) {
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parsing host %q: %w", host, err)
	}
	return &restClient{
		base:  base,
		key:   key,
		http:  &http.Client{Timeout: 5 * time.Minute},
		blobs: make(map[string][]byte),
	}, nil
}

// do performs one API call and decodes the JSON response into out. A nil out
// drains and discards the body.
func (r *restClient) do(method, path string, body io.Reader, out any) error {
	u := *r.base
	u.Path = path
	req, err := http.NewRequest(method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "scitran-user "+r.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// download fetches the raw bytes of a stored file.
func (r *restClient) download(c *Container, fileName string) ([]byte, error) {
	key := c.ID + "/" + fileName
	if blob, ok := r.blobs[key]; ok {
		return blob, nil
	}
	u := *r.base
	u.Path = containerPath(c) + "/files/" + url.PathEscape(fileName)
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "scitran-user "+r.key)
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		return nil, apiErr
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	r.blobs[key] = blob
	return blob, nil
}

// containerPath maps a container to its API collection. Analyses live in a
// collection of their own.
func containerPath(c *Container) string {
	switch c.Kind {
	case KindAnalysis:
		return "/api/analyses/" + url.PathEscape(c.ID)
	default:
		return "/api/" + string(c.Kind) + "s/" + url.PathEscape(c.ID)
	}
}

func (r *restClient) container(kind ContainerKind, id string) (*Container, error) {
	c := &Container{ID: id, Kind: kind}
	if err := r.do(http.MethodGet, containerPath(c), nil, c); err != nil {
		return nil, err
	}
	c.Kind = kind
	for _, f := range c.Files {
		f.parent = c
	}
	return c, nil
}

func (r *restClient) Project(id string) (*Container, error) {
	return r.container(KindProject, id)
}

func (r *restClient) Subject(id string) (*Container, error) {
	return r.container(KindSubject, id)
}

func (r *restClient) Session(id string) (*Container, error) {
	return r.container(KindSession, id)
}

func (r *restClient) Acquisition(id string) (*Container, error) {
	return r.container(KindAcquisition, id)
}

func (r *restClient) Projects() ([]*Container, error) {
	return r.children(KindProject, "/api/projects")
}

func (r *restClient) Subjects(projectID string) ([]*Container, error) {
	return r.children(KindSubject, "/api/projects/"+url.PathEscape(projectID)+"/subjects")
}

func (r *restClient) Sessions(subjectID string) ([]*Container, error) {
	return r.children(KindSession, "/api/subjects/"+url.PathEscape(subjectID)+"/sessions")
}

func (r *restClient) Acquisitions(sessionID string) ([]*Container, error) {
	return r.children(KindAcquisition, "/api/sessions/"+url.PathEscape(sessionID)+"/acquisitions")
}

func (r *restClient) children(kind ContainerKind, path string) ([]*Container, error) {
	var list []*Container
	if err := r.do(http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	for _, c := range list {
		c.Kind = kind
		for _, f := range c.Files {
			f.parent = c
		}
	}
	return list, nil
}

func (r *restClient) Refresh(c *Container) (*Container, error) {
	fresh := &Container{ID: c.ID, Kind: c.Kind}
	if err := r.do(http.MethodGet, containerPath(c), nil, fresh); err != nil {
		return nil, err
	}
	fresh.Kind = c.Kind
	for _, f := range fresh.Files {
		f.parent = fresh
	}
	for _, a := range fresh.Analyses {
		if a.Kind == "" {
			a.Kind = KindAnalysis
		}
	}
	return fresh, nil
}

func (r *restClient) ZipMembers(c *Container, fileName string) ([]ZipMember, error) {
	var listing struct {
		Members []ZipMember `json:"members"`
	}
	err := r.do(http.MethodGet, containerPath(c)+"/files/"+url.PathEscape(fileName)+"/zip/info", nil, &listing)
	if err == nil {
		return listing.Members, nil
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		return nil, err
	}
	// Older instances have no zip/info endpoint. Download the archive once
	// and list it locally.
	blob, err := r.download(c, fileName)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("reading %s as zip: %w", fileName, err)
	}
	members := make([]ZipMember, 0, len(zr.File))
	for _, f := range zr.File {
		members = append(members, ZipMember{Path: f.Name, Size: int64(f.UncompressedSize64)})
	}
	return members, nil
}

func (r *restClient) ReadZipMember(c *Container, fileName, memberPath string) ([]byte, error) {
	if blob, ok := r.blobs[c.ID+"/"+fileName]; ok {
		return readMemberFromBlob(blob, fileName, memberPath)
	}
	u := *r.base
	u.Path = containerPath(c) + "/files/" + url.PathEscape(fileName) + "/zip/members/" + url.PathEscape(memberPath)
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "scitran-user "+r.key)
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		blob, err := r.download(c, fileName)
		if err != nil {
			return nil, err
		}
		return readMemberFromBlob(blob, fileName, memberPath)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		return nil, apiErr
	}
	return io.ReadAll(resp.Body)
}

func readMemberFromBlob(blob []byte, fileName, memberPath string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("reading %s as zip: %w", fileName, err)
	}
	for _, f := range zr.File {
		if f.Name != memberPath {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s: no member %s", fileName, memberPath)
}

func (r *restClient) UpdateInfo(c *Container, info map[string]any) error {
	body, err := json.Marshal(map[string]any{"set": info})
	if err != nil {
		return err
	}
	return r.do(http.MethodPost, containerPath(c)+"/info", bytes.NewReader(body), nil)
}

func (r *restClient) UpdateFileInfo(c *Container, fileName string, info map[string]any) error {
	body, err := json.Marshal(map[string]any{"set": info})
	if err != nil {
		return err
	}
	return r.do(http.MethodPost, containerPath(c)+"/files/"+url.PathEscape(fileName)+"/info", bytes.NewReader(body), nil)
}

// lookupProject resolves a project reference that is either a raw id or a
// "group/label" path.
func lookupProject(client Client, ref string) (*Container, error) {
	group, label, isPath := strings.Cut(ref, "/")
	if !isPath {
		return client.Project(ref)
	}
	projects, err := client.Projects()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Parents.Group == group && p.Label == label {
			return client.Project(p.ID)
		}
	}
	return nil, fmt.Errorf("no project %s", ref)
}
