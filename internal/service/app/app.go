package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"web_editor/internal/model"
	"web_editor/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const commandTimeout = 30 * time.Second

type (
	// App is the operator console: a scrolling output box above a command
	// line. It also receives pairing prompts as the session Notifier.
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		editor  Editor
		owner   model.Principal
		running atomic.Bool
	}
)

func NewApp(editor Editor, owner model.Principal) *App {
	c := &App{
		app:    tview.NewApplication(),
		editor: editor,
		owner:  owner,
	}

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Editor console (%s) ", owner))

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" Command ")
	return c
}

// Run draws the console and blocks until ctx is done or the operator quits.
func (c *App) Run(ctx context.Context) error {
	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")
		if text == "quit" || text == "exit" {
			c.app.Stop()
			return
		}

		go func(line string) {
			c.print("[yellow]>[-] %s", tview.Escape(line))
			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()

			out, err := c.Execute(cmdCtx, line)
			if err != nil {
				log.Debug("console command failed", zap.String("line", line), zap.Error(err))
				c.print("[red]error:[-] %s", tview.Escape(err.Error()))
				return
			}
			if out != "" {
				c.print("%s", tview.Escape(out))
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	c.print("Type [green]help[-] for commands, [green]quit[-] to leave.")

	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()

	c.running.Store(true)
	defer c.running.Store(false)
	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) Stop() {
	c.app.Stop()
}

// Notify implements pairing.Notifier.
func (c *App) Notify(owner model.Principal, message string) {
	if owner != c.owner {
		c.print("[green]%s:[-] %s", owner, tview.Escape(message))
		return
	}
	c.print("[green]editor:[-] %s", tview.Escape(message))
}

func (c *App) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if !c.running.Load() {
		fmt.Fprintln(c.chatbox, line)
		return
	}
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintln(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

// Transcript returns the console output without color tags.
func (c *App) Transcript() string {
	return c.chatbox.GetText(true)
}
