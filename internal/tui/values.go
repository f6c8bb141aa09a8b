package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/cwpaudit/internal/present"
)

// ValuesPage lists every value of one field with its count, scrollable.
type ValuesPage struct {
	sess   *session
	keys   KeyMap
	help   help.Model
	field  string
	offset int
	rows   int // visible rows at the last render
}

// NewValuesPage creates the value list page.
func NewValuesPage(sess *session, keys KeyMap) *ValuesPage {
	return &ValuesPage{sess: sess, keys: keys, help: help.New(), rows: 10}
}

func (p *ValuesPage) ID() string { return ValuesPageID }

func (p *ValuesPage) Init() tea.Cmd { return nil }

// Enter selects the field to list.
func (p *ValuesPage) Enter(params interface{}) {
	if field, ok := params.(string); ok {
		p.field = field
		p.offset = 0
	}
}

func (p *ValuesPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	switch msg := msg.(type) {
	case loadedMsg:
		p.sess.apply(msg)
		p.offset = 0
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, p.keys.Escape):
			return nil, &PageNav{PageID: BrowserPageID}
		case key.Matches(msg, p.keys.Down):
			p.scroll(1)
		case key.Matches(msg, p.keys.Up):
			p.scroll(-1)
		case key.Matches(msg, p.keys.PageDown):
			p.scroll(p.rows)
		case key.Matches(msg, p.keys.PageUp):
			p.scroll(-p.rows)
		case key.Matches(msg, p.keys.Help):
			p.help.ShowAll = !p.help.ShowAll
		}
	}
	return nil, nil
}

func (p *ValuesPage) valueCount() int {
	table, ok := p.sess.table()
	if !ok {
		return 0
	}
	return len(table.Values(p.field))
}

func (p *ValuesPage) scroll(delta int) {
	maxOffset := p.valueCount() - p.rows
	if maxOffset < 0 {
		maxOffset = 0
	}
	p.offset += delta
	if p.offset > maxOffset {
		p.offset = maxOffset
	}
	if p.offset < 0 {
		p.offset = 0
	}
}

func (p *ValuesPage) View(width, height int) string {
	p.help.Width = width
	footer := p.help.View(p.keys)
	if rows := height - chromeHeight - lipgloss.Height(footer); rows > 0 {
		p.rows = rows
	}

	active := 0
	for i, k := range p.sess.keys {
		if k == p.field {
			active = i
		}
	}
	header := renderHeader(p.sess, p.sess.keys, active)

	body := statusStyle.Render("No data")
	if table, ok := p.sess.table(); ok {
		body = present.RenderFieldText(p.field, table.Sorted(p.field), p.rows, p.offset)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, footer)
}
