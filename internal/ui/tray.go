package ui

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/getlantern/systray"

	"github.com/vidcurate/curatord/internal/run"
)

type Tray struct {
	orchestrator *run.Orchestrator
	logger       *slog.Logger

	statusItem  *systray.MenuItem
	recordsItem *systray.MenuItem
	pauseItem   *systray.MenuItem

	mu sync.Mutex

	onQuit func()
}

type TrayConfig struct {
	Orchestrator *run.Orchestrator
	Logger       *slog.Logger
	OnQuit       func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		orchestrator: cfg.Orchestrator,
		logger:       cfg.Logger,
		onQuit:       cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Curator")
	systray.SetTooltip("Curator Pipeline")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current pipeline status")
	t.statusItem.Disable()

	t.recordsItem = systray.AddMenuItem("Records: 0", "Committed dataset records")
	t.recordsItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause annotation dispatch")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Curator")

	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.orchestrator == nil {
		return
	}

	if t.orchestrator.IsPaused() {
		if t.orchestrator.Resume() {
			t.pauseItem.SetTitle("Pause")
			t.statusItem.SetTitle("Status: Annotating")
		}
	} else {
		if t.orchestrator.Pause() {
			t.pauseItem.SetTitle("Resume")
			t.statusItem.SetTitle("Status: Paused")
		}
	}
}

func (t *Tray) UpdateStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.orchestrator != nil && t.orchestrator.IsPaused() {
		return
	}
	t.statusItem.SetTitle("Status: " + status)
}

func (t *Tray) UpdateRecordCount(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordsItem.SetTitle(fmt.Sprintf("Records: %d", count))
}

func (t *Tray) Quit() {
	systray.Quit()
}
