package main

import (
	"fmt"
	"log"
)

// ContainerKind names one level of the repository hierarchy. The set is
// closed: anything else coming over the wire is rejected by the curator.
type ContainerKind string

const (
	KindProject     ContainerKind = "project"
	KindSubject     ContainerKind = "subject"
	KindSession     ContainerKind = "session"
	KindAcquisition ContainerKind = "acquisition"
	KindFile        ContainerKind = "file"
	KindAnalysis    ContainerKind = "analysis"
)

// Parents holds the ids of every ancestor a container knows about. The group
// id doubles as its label, groups carry no separate display name.
type Parents struct {
	Group       string `json:"group,omitempty"`
	Project     string `json:"project,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Session     string `json:"session,omitempty"`
	Acquisition string `json:"acquisition,omitempty"`
}

// Container is one node of the repository hierarchy. Files and analyses are
// attached to it, child containers are listed through the client.
type Container struct {
	ID       string         `json:"_id"`
	Kind     ContainerKind  `json:"container_type,omitempty"`
	Label    string         `json:"label,omitempty"`
	Parents  Parents        `json:"parents,omitempty"`
	Info     map[string]any `json:"info,omitempty"`
	Files    []*FileEntry   `json:"files,omitempty"`
	Analyses []*Container   `json:"analyses,omitempty"`
}

// FileEntry is a file attached to a container. The repository reports its
// own type classification next to the name; the exported File Type column is
// instead derived from the name (see fileTypeFromName).
type FileEntry struct {
	Name string         `json:"name"`
	Type string         `json:"type,omitempty"`
	Size int64          `json:"size,omitempty"`
	Info map[string]any `json:"info,omitempty"`

	// parent is the container this file is attached to, filled in by
	// whoever listed the file (client or fixture), never by the wire.
	parent *Container
}

// Node is one element yielded by the walker: either a container or a file
// attached to one. Exactly one of the two fields is set.
type Node struct {
	Container *Container
	File      *FileEntry
}

func (n Node) Kind() ContainerKind {
	if n.File != nil {
		return KindFile
	}
	if n.Container != nil {
		return n.Container.Kind
	}
	return ""
}

// label returns a human-readable name for diagnostics.
func (n Node) label() string {
	if n.File != nil {
		return n.File.Name
	}
	if n.Container != nil {
		return n.Container.Label
	}
	return ""
}

// Walker enumerates every container and file below a root container exactly
// once. Children of a container are listed only after the container has been
// refreshed from the repository, initial listings are commonly partial.
//
// The walk is not restartable; make a new Walker for a second pass.
type Walker struct {
	client     Client
	deque      []Node
	depthFirst bool
	subjects   map[string]bool // subject labels to walk, empty means all
	visited    map[string]bool
	debug      bool
}

// WalkerOptions carries the traversal choices the curator fixed.
type WalkerOptions struct {
	DepthFirst bool
	Subjects   []string
	Debug      bool
}

func newWalker(client Client, root *Container, opts WalkerOptions) *Walker {
	w := &Walker{
		client:     client,
		deque:      []Node{{Container: root}},
		depthFirst: opts.DepthFirst,
		visited:    make(map[string]bool),
		debug:      opts.Debug,
	}
	if len(opts.Subjects) > 0 {
		w.subjects = make(map[string]bool, len(opts.Subjects))
		for _, s := range opts.Subjects {
			w.subjects[s] = true
		}
	}
	return w
}

// Next yields the next node of the walk. The second return value is false
// once the walk is exhausted. Any repository error is fatal to the walk and
// returned as-is.
func (w *Walker) Next() (Node, bool, error) {
	for len(w.deque) > 0 {
		var n Node
		if w.depthFirst {
			n = w.deque[len(w.deque)-1]
			w.deque = w.deque[:len(w.deque)-1]
		} else {
			n = w.deque[0]
			w.deque = w.deque[1:]
		}
		key := nodeKey(n)
		if w.visited[key] {
			continue
		}
		w.visited[key] = true
		if err := w.queueChildren(n); err != nil {
			return Node{}, false, err
		}
		return n, true, nil
	}
	return Node{}, false, nil
}

// queueChildren appends the node's files, analyses and next-level child
// containers to the deque. Files and analyses are leaves and contribute
// nothing.
func (w *Walker) queueChildren(n Node) error {
	kind := n.Kind()
	if kind == KindFile || kind == KindAnalysis {
		return nil
	}

	element, err := w.client.Refresh(n.Container)
	if err != nil {
		return fmt.Errorf("refreshing %s %s: %w", kind, n.Container.ID, err)
	}
	if w.debug {
		log.Printf("queueing children for %s %s", kind, element.Label)
	}

	for _, f := range element.Files {
		w.deque = append(w.deque, Node{File: f})
	}
	for _, a := range element.Analyses {
		w.deque = append(w.deque, Node{Container: a})
	}

	switch kind {
	case KindProject:
		subjects, err := w.client.Subjects(element.ID)
		if err != nil {
			return err
		}
		for _, s := range subjects {
			if w.subjects != nil && !w.subjects[s.Label] {
				continue
			}
			w.deque = append(w.deque, Node{Container: s})
		}
	case KindSubject:
		sessions, err := w.client.Sessions(element.ID)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			w.deque = append(w.deque, Node{Container: s})
		}
	case KindSession:
		acquisitions, err := w.client.Acquisitions(element.ID)
		if err != nil {
			return err
		}
		for _, a := range acquisitions {
			w.deque = append(w.deque, Node{Container: a})
		}
	}
	return nil
}

// nodeKey identifies a node for the exactly-once guarantee. Files have no
// repository id of their own, the attachment point plus name is unique.
func nodeKey(n Node) string {
	if n.File != nil {
		parent := ""
		if n.File.parent != nil {
			parent = n.File.parent.ID
		}
		return "file:" + parent + "/" + n.File.Name
	}
	return string(n.Container.Kind) + ":" + n.Container.ID
}
