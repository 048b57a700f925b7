// Package app is the terminal client for one room.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_room_chat/internal/live"
	"e2e_room_chat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reconnectDelay = 3 * time.Second

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		online  *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		userID string
		roomID string

		channel  *live.Channel
		commands *Commands

		mu      sync.Mutex
		view    live.View
		notice  string
		pending bool
	}

	Options struct {
		Channel live.Options
		API     RelayAPI
	}
)

var _ live.Listener = (*App)(nil)

// NewApp builds the UI and the room channel that feeds it.
func NewApp(opts Options) *App {
	a := &App{
		app:    tview.NewApplication(),
		userID: opts.Channel.UserID,
		roomID: opts.Channel.RoomID,
	}
	opts.Channel.Listener = a
	a.channel = live.NewChannel(opts.Channel)
	a.commands = NewCommands(a.userID, a.roomID, a.channel, opts.API)
	a.build()
	return a
}

// Run blocks until the user quits, ctx is canceled or the user is kicked
// and closes the window.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return a.runChannel(ctx)
	})
	g.Go(func() error {
		go func() {
			<-ctx.Done()
			a.app.Stop()
		}()
		defer cancel()
		return a.app.Run()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runChannel keeps the room joined, reconnecting with a fresh session after
// a dropped connection.
func (a *App) runChannel(ctx context.Context) error {
	for {
		err := a.channel.Run(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, live.ErrKicked):
			// Stay open so the notice can be read.
			<-ctx.Done()
			return nil
		}

		log.Warn("room connection lost", zap.String("room", a.roomID), zap.Error(err))
		a.setNotice(fmt.Sprintf("disconnected: %v, retrying", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *App) build() {
	a.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", a.roomID))
	a.chatbox.SetInputCapture(a.captureScroll)

	a.online = tview.NewTextView().SetDynamicColors(true)
	a.online.SetBorder(true).SetTitle(" Online ")

	a.status = tview.NewTextView().SetDynamicColors(true)

	a.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	a.input.SetBorder(true).SetTitle(" New Message ")
	a.input.SetInputCapture(a.captureScroll)
	a.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := a.input.GetText()
		if text == "" {
			return
		}
		a.input.SetText("")
		go a.submit(text)
	})

	body := tview.NewFlex().
		AddItem(a.chatbox, 0, 4, false).
		AddItem(a.online, 20, 0, false)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, false).
		AddItem(a.status, 1, 0, false).
		AddItem(a.input, 3, 0, true)

	a.app.SetRoot(layout, true).SetFocus(a.input)
}

// captureScroll turns PgUp at the top of the history into a backfill.
func (a *App) captureScroll(ev *tcell.EventKey) *tcell.EventKey {
	if ev.Key() != tcell.KeyPgUp {
		return ev
	}
	if row, _ := a.chatbox.GetScrollOffset(); row == 0 {
		go a.backfill()
	}
	row, col := a.chatbox.GetScrollOffset()
	_, _, _, height := a.chatbox.GetInnerRect()
	a.chatbox.ScrollTo(max(row-height, 0), col)
	return nil
}

func (a *App) backfill() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started, err := a.channel.Backfill(ctx)
	if err != nil {
		a.OnWarning(err)
		return
	}
	if !started {
		log.Debug("backfill suppressed", zap.String("room", a.roomID))
	}
}

func (a *App) submit(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	notice, err := a.commands.Execute(ctx, text)
	switch {
	case errors.Is(err, errQuit):
		a.app.Stop()
	case err != nil:
		log.Error("command failed", zap.String("input", text), zap.Error(err))
		a.setNotice(err.Error())
	default:
		a.setNotice(notice)
	}
}

// OnView records the snapshot and schedules at most one redraw.
func (a *App) OnView(v live.View) {
	a.mu.Lock()
	a.view = v
	a.scheduleLocked()
	a.mu.Unlock()
}

func (a *App) OnWarning(err error) {
	if errors.Is(err, live.ErrKicked) {
		a.setNotice("you were removed from this room, press Ctrl-C to exit")
		return
	}
	a.setNotice(err.Error())
}

func (a *App) setNotice(notice string) {
	a.mu.Lock()
	a.notice = notice
	a.scheduleLocked()
	a.mu.Unlock()
}

func (a *App) scheduleLocked() {
	if a.pending {
		return
	}
	a.pending = true
	go a.app.QueueUpdateDraw(a.draw)
}

func (a *App) draw() {
	a.mu.Lock()
	v, notice := a.view, a.notice
	a.pending = false
	a.mu.Unlock()

	row, _ := a.chatbox.GetScrollOffset()
	atTop := row == 0 && a.chatbox.GetText(false) != ""
	before := a.chatbox.GetOriginalLineCount()

	a.chatbox.SetText(renderMessages(a.userID, v.Messages))
	a.online.SetText(renderOnline(a.userID, v.Online))
	a.status.SetText(renderStatus(v, notice))

	if atTop {
		// Keep the reader's place when older messages arrive above.
		a.chatbox.ScrollTo(max(a.chatbox.GetOriginalLineCount()-before, 0), 0)
		return
	}
	a.chatbox.ScrollToEnd()
}
