package main

import (
	"fmt"
	"sort"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ReviewTUI browses an exported spreadsheet, rows grouped by subject and
// session so a rater can walk through what was annotated where.
type ReviewTUI struct {
	header    []string
	rows      [][]string
	colIndex  map[string]int
	summary   *tview.TextView
	detail    *tview.TextView
	selection *tview.TreeView
	app       *tview.Application
	flex      *tview.Flex
}

func runReviewTUI(path string) error {
	header, rows, err := readDelimited(path)
	if err != nil {
		return err
	}
	tui := &ReviewTUI{header: header, rows: rows, colIndex: make(map[string]int, len(header))}
	for i, name := range header {
		tui.colIndex[name] = i
	}
	tui.Init(path)
	return nil
}

// cell reads one named column of a row, empty when the spreadsheet does not
// carry the column.
func (tui *ReviewTUI) cell(row []string, column string) string {
	i, ok := tui.colIndex[column]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (tui *ReviewTUI) Init(path string) {
	if len(tui.rows) == 0 {
		fmt.Println("Warning: there are no rows to review")
	}
	newPrimitive := func(text string) *tview.TextView {
		return tview.NewTextView().
			SetTextAlign(tview.AlignLeft).
			SetText(text)
	}
	tui.summary = newPrimitive("")
	tui.summary.SetBorder(true).SetTitle("Summary")
	tui.detail = newPrimitive("").SetDynamicColors(true)
	tui.detail.SetBorder(true).SetTitle("ROI")
	tui.selection = tview.NewTreeView()
	tui.selection.SetBorder(true)
	tui.selection.SetTitle(path)

	tui.flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewFlex().SetDirection(tview.FlexColumn).
			AddItem(tui.summary, 34, 1, false).
			AddItem(tui.detail, 0, 1, false), 0, 1, false).
		AddItem(tui.selection, 14, 1, true)

	tui.writeSummary()

	root := tview.NewTreeNode("ROIs").SetReference(-1)
	tui.selection.SetRoot(root).SetCurrentNode(root)

	// group rows by subject, then session, insertion order preserved
	type group struct {
		node     *tview.TreeNode
		sessions map[string]*tview.TreeNode
	}
	subjects := make(map[string]*group)
	for idx, row := range tui.rows {
		subject := tui.cell(row, "Subject")
		session := tui.cell(row, "Session")
		g, ok := subjects[subject]
		if !ok {
			node := tview.NewTreeNode(fmt.Sprintf("%s [yellow]%s", subject, tui.cell(row, "Project"))).
				SetReference(-1).
				SetSelectable(true)
			root.AddChild(node)
			g = &group{node: node, sessions: make(map[string]*tview.TreeNode)}
			subjects[subject] = g
		}
		s, ok := g.sessions[session]
		if !ok {
			s = tview.NewTreeNode(session).SetReference(-1).SetSelectable(true)
			g.node.AddChild(s)
			g.sessions[session] = s
		}
		leaf := tview.NewTreeNode(fmt.Sprintf("%s %s [blue]\"%s\"[-] [gray](%s,%s)-(%s,%s)[-]",
			tui.cell(row, "File Name"), tui.cell(row, "ROI type"), tui.cell(row, "Label"),
			tui.cell(row, "Xmin"), tui.cell(row, "Ymin"), tui.cell(row, "Xmax"), tui.cell(row, "Ymax"))).
			SetReference(idx).
			SetSelectable(true)
		s.AddChild(leaf)
	}

	tui.selection.SetSelectedFunc(func(node *tview.TreeNode) {
		idx := node.GetReference().(int)
		if idx < 0 {
			node.SetExpanded(!node.IsExpanded())
			return
		}
		tui.showRow(idx)
	})

	tui.Run()
}

// showRow prints every column of one row into the detail pane.
func (tui *ReviewTUI) showRow(idx int) {
	if idx < 0 || idx >= len(tui.rows) {
		return
	}
	row := tui.rows[idx]
	tui.detail.Clear()
	width := 0
	for _, name := range tui.header {
		if len(name) > width {
			width = len(name)
		}
	}
	for _, name := range tui.header {
		fmt.Fprintf(tui.detail, "[yellow]%*s[-] %s\n", width, name, tui.cell(row, name))
	}
	tui.detail.SetTitle(fmt.Sprintf("ROI %d/%d", idx+1, len(tui.rows)))
}

// writeSummary counts the spreadsheet by ROI type and by user.
func (tui *ReviewTUI) writeSummary() {
	byType := make(map[string]int)
	byUser := make(map[string]int)
	for _, row := range tui.rows {
		byType[tui.cell(row, "ROI type")]++
		byUser[tui.cell(row, "User")]++
	}
	fmt.Fprintf(tui.summary, "%d ROIs\n\n", len(tui.rows))
	for _, name := range sortedKeys(byType) {
		fmt.Fprintf(tui.summary, "%6d %s\n", byType[name], name)
	}
	fmt.Fprintf(tui.summary, "\n")
	for _, name := range sortedKeys(byUser) {
		fmt.Fprintf(tui.summary, "%6d %s\n", byUser[name], name)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (tui *ReviewTUI) Run() {
	tui.app = tview.NewApplication()

	tui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyRune && event.Rune() == rune('q') {
			tui.app.Stop()
			return nil
		}
		return event
	})

	if err := tui.app.SetRoot(tui.flex, true).SetFocus(tui.selection).EnableMouse(true).Run(); err != nil {
		fmt.Println("Error: review mode is only available in a propper terminal.")
		panic(err)
	}
	defer tui.app.Stop()
}
