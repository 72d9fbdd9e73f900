package main

import (
	"reflect"
	"testing"
)

func walkAll(t *testing.T, w *Walker) []Node {
	t.Helper()
	var nodes []Node
	for {
		n, ok, err := w.Next()
		if err != nil {
			t.Fatalf("walk failed: %v", err)
		}
		if !ok {
			break
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func labelsOf(nodes []Node) []string {
	var labels []string
	for _, n := range nodes {
		labels = append(labels, n.label())
	}
	return labels
}

func Test_walkerVisitsEachNodeOnce(t *testing.T) {
	fc := newFakeClient()
	project := fc.addProject("p1", "grp", "Study01")
	fc.addFile(project, "protocol.pdf", "pdf", nil)
	var sessions []*Container
	for _, subjectLabel := range []string{"A", "B"} {
		subject := fc.addSubject(project, "sub-"+subjectLabel, subjectLabel)
		for _, sessionLabel := range []string{"ses1", "ses2"} {
			session := fc.addSession(subject, subjectLabel+"-"+sessionLabel, sessionLabel)
			sessions = append(sessions, session)
			for _, acqLabel := range []string{"acq1", "acq2"} {
				acq := fc.addAcquisition(session, session.ID+"-"+acqLabel, acqLabel)
				fc.addFile(acq, acqLabel+".dcm", "dicom", nil)
			}
		}
	}
	// one analysis reachable from two sessions must still be walked once
	shared := fc.addAnalysis(sessions[0], "ana1", "shared")
	sessions[1].Analyses = append(sessions[1].Analyses, shared)

	nodes := walkAll(t, newWalker(fc, project, WalkerOptions{}))

	// 1 project + 2 subjects + 4 sessions + 8 acquisitions, 9 files, 1 analysis
	if want := 25; len(nodes) != want {
		t.Errorf("walk visited %d nodes, want %d", len(nodes), want)
	}
	seen := make(map[string]int)
	for _, n := range nodes {
		seen[nodeKey(n)]++
	}
	for key, count := range seen {
		if count != 1 {
			t.Errorf("node %s visited %d times, want 1", key, count)
		}
	}
}

func Test_walkerLeavesEnqueueNothing(t *testing.T) {
	fc := newFakeClient()
	project := fc.addProject("p1", "grp", "Study01")
	subject := fc.addSubject(project, "s1", "A")
	session := fc.addSession(subject, "ses1", "scan day")
	fc.addAnalysis(session, "ana1", "qc")
	acq := fc.addAcquisition(session, "acq1", "T1")
	fc.addFile(acq, "t1.dcm", "dicom", nil)

	walkAll(t, newWalker(fc, project, WalkerOptions{}))

	// files and analyses are never refreshed since they have no children
	if _, ok := fc.refreshCalls["ana1"]; ok {
		t.Errorf("analysis was refreshed, want leaf behavior")
	}
	for _, id := range []string{"p1", "s1", "ses1", "acq1"} {
		if fc.refreshCalls[id] == 0 {
			t.Errorf("container %s was never refreshed before reading children", id)
		}
	}
}

func Test_walkerTraversalOrder(t *testing.T) {
	build := func() (*fakeClient, *Container) {
		fc := newFakeClient()
		project := fc.addProject("p1", "grp", "P")
		a := fc.addSubject(project, "s1", "A")
		b := fc.addSubject(project, "s2", "B")
		fc.addSession(a, "ses1", "S1")
		fc.addSession(b, "ses2", "S2")
		return fc, project
	}

	tests := []struct {
		name       string
		depthFirst bool
		want       []string
	}{
		{"breadth first", false, []string{"P", "A", "B", "S1", "S2"}},
		{"depth first", true, []string{"P", "B", "S2", "A", "S1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, project := build()
			got := labelsOf(walkAll(t, newWalker(fc, project, WalkerOptions{DepthFirst: tt.depthFirst})))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("walk order = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_walkerSubjectFilter(t *testing.T) {
	fc := newFakeClient()
	project := fc.addProject("p1", "grp", "P")
	a := fc.addSubject(project, "s1", "A")
	b := fc.addSubject(project, "s2", "B")
	fc.addSession(a, "ses1", "S1")
	fc.addSession(b, "ses2", "S2")

	got := labelsOf(walkAll(t, newWalker(fc, project, WalkerOptions{Subjects: []string{"A"}})))
	want := []string{"P", "A", "S1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("filtered walk = %v, want %v", got, want)
	}
}

func Test_walkerErrorPropagates(t *testing.T) {
	fc := newFakeClient()
	project := fc.addProject("p1", "grp", "P")
	subject := fc.addSubject(project, "s1", "A")
	// a child that the fake cannot refresh
	fc.children[subject.ID] = append(fc.children[subject.ID], &Container{ID: "gone", Kind: KindSession, Label: "S1"})

	w := newWalker(fc, project, WalkerOptions{})
	for {
		_, ok, err := w.Next()
		if err != nil {
			return
		}
		if !ok {
			t.Fatalf("walk over a broken hierarchy finished without error")
		}
	}
}
