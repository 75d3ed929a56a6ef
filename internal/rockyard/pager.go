package rockyard

import (
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// showLines prints lines, or opens a scrollable view when stdout is a
// terminal too short to hold them.
func showLines(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}
	// Two rows go to the border.
	if _, height, err := term.GetSize(fd); err == nil && len(lines) <= height-2 {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	app := tview.NewApplication()
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	view.SetBorder(true).SetTitle(" " + title + " ")

	// Command lines start with "$ "; highlight them.
	w := tview.ANSIWriter(view)
	for i, line := range lines {
		if i > 0 {
			fmt.Fprint(w, "\n")
		}
		if strings.HasPrefix(line, "$ ") {
			fmt.Fprint(w, "[yellow]"+tview.Escape(line)+"[-]")
		} else {
			fmt.Fprint(w, tview.Escape(line))
		}
	}

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]↑/↓ PgUp/PgDn scroll, g/G top/bottom, q or Esc quits[white]")

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(view, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				app.Stop()
				return nil
			case 'g':
				view.ScrollToBeginning()
				return nil
			case 'G':
				view.ScrollToEnd()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(layout, true).SetFocus(view).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}
	return nil
}
