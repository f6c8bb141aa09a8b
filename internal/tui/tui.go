// Package tui is an interactive browser for audit count charts. It runs the
// pipeline through a Loader, shows one chart per aggregated field and lets
// the user list every value of a field or refetch.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Options configures New.
type Options struct {
	Keys    []string      // aggregated fields, in tab order
	Timeout time.Duration // per load, 0 = none
}

// New builds the root model: the chart browser plus the value list page.
func New(load Loader, opts Options) *App {
	keys := DefaultKeyMap()
	sess := newSession(load, append([]string(nil), opts.Keys...), opts.Timeout)
	return NewApp(keys, NewBrowserPage(sess, keys), NewValuesPage(sess, keys))
}

// Run starts the program on the alternate screen and blocks until it quits.
func Run(load Loader, opts Options) error {
	p := tea.NewProgram(New(load, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
