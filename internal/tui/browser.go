package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/cwpaudit/internal/present"
)

// Page IDs.
const (
	BrowserPageID = "browser"
	ValuesPageID  = "values"
)

// chromeHeight is the space taken by title, tabs, status and help lines.
const chromeHeight = 6

// BrowserPage shows one bar chart per aggregated field, one field at a time.
type BrowserPage struct {
	sess  *session
	keys  KeyMap
	help  help.Model
	field int
}

// NewBrowserPage creates the chart browser.
func NewBrowserPage(sess *session, keys KeyMap) *BrowserPage {
	return &BrowserPage{sess: sess, keys: keys, help: help.New()}
}

func (p *BrowserPage) ID() string { return BrowserPageID }

func (p *BrowserPage) Init() tea.Cmd {
	if p.sess.result == nil && p.sess.err == nil {
		return p.sess.fetch()
	}
	return nil
}

// Field returns the field currently shown.
func (p *BrowserPage) Field() string {
	if len(p.sess.keys) == 0 {
		return ""
	}
	return p.sess.keys[p.field]
}

func (p *BrowserPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	switch msg := msg.(type) {
	case loadedMsg:
		p.sess.apply(msg)
	case spinnerTickMsg:
		if p.sess.loading {
			return spinnerTick(), nil
		}
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, p.keys.NextField):
			p.step(1)
		case key.Matches(msg, p.keys.PrevField):
			p.step(-1)
		case key.Matches(msg, p.keys.Refresh):
			return p.sess.fetch(), nil
		case key.Matches(msg, p.keys.Help):
			p.help.ShowAll = !p.help.ShowAll
		case key.Matches(msg, p.keys.Enter):
			if _, ok := p.sess.table(); ok {
				return nil, &PageNav{PageID: ValuesPageID, Params: p.Field()}
			}
		}
	}
	return nil, nil
}

func (p *BrowserPage) step(delta int) {
	n := len(p.sess.keys)
	if n == 0 {
		return
	}
	p.field = (p.field + delta + n) % n
}

func (p *BrowserPage) View(width, height int) string {
	p.help.Width = width
	header := renderHeader(p.sess, p.sess.keys, p.field)
	footer := p.help.View(p.keys)
	bodyHeight := height - chromeHeight - lipgloss.Height(footer) + 1

	var body string
	table, ok := p.sess.table()
	switch {
	case !ok && p.sess.loading:
		body = renderLoadingPlaceholder(width, bodyHeight, "Downloading audits...")
	case !ok && p.sess.err != nil:
		body = errorStyle.Render("Error: "+p.sess.err.Error()) + "\n" + statusStyle.Render("press r to retry")
	case !ok:
		body = statusStyle.Render("No data")
	default:
		field := p.Field()
		body = present.RenderFieldChart(field, table.Sorted(field), present.ChartOptions{
			Width:  width - 2,
			Height: bodyHeight - 3,
		})
		if p.sess.err != nil {
			body += "\n" + errorStyle.Render("refetch failed: "+p.sess.err.Error())
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, "", footer)
}

func renderHeader(sess *session, keys []string, active int) string {
	tabs := make([]string, len(keys))
	for i, k := range keys {
		if i == active {
			tabs[i] = activeTabStyle.Render(k)
		} else {
			tabs[i] = tabStyle.Render(k)
		}
	}
	title := titleStyle.Render("cwpaudit") + "  " + statusStyle.Render(sess.status())
	return title + "\n" + strings.Join(tabs, "")
}
