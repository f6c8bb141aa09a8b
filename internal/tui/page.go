package tui

import tea "github.com/charmbracelet/bubbletea"

// Page represents a top-level screen in the TUI (chart browser, value list).
type Page interface {
	ID() string
	Init() tea.Cmd
	Update(msg tea.Msg) (tea.Cmd, *PageNav)
	View(width, height int) string
}

// PageNav is returned from Update to request a page switch. Params are
// handed to the target page when it implements Navigable.
type PageNav struct {
	PageID string
	Params interface{}
}

// Navigable pages receive the params of the PageNav that opened them.
type Navigable interface {
	Enter(params interface{})
}
