package present

import (
	"errors"

	"gocv.io/x/gocv"

	"github.com/satindergrewal/moodlens/internal/frame"
)

// Action is a user command coming from the display surface.
type Action int

const (
	ActionNone Action = iota
	ActionQuit
	ActionToggleVoice
	ActionScreenshot
)

func (a Action) String() string {
	switch a {
	case ActionQuit:
		return "quit"
	case ActionToggleVoice:
		return "toggle-voice"
	case ActionScreenshot:
		return "screenshot"
	}
	return "none"
}

// KeyAction maps a key code to an action.
func KeyAction(key int) Action {
	switch key {
	case 'q', 'Q', 27: // Esc
		return ActionQuit
	case 'v', 'V':
		return ActionToggleVoice
	case 's', 'S':
		return ActionScreenshot
	}
	return ActionNone
}

// Display shows rendered frames and reports user actions.
type Display interface {
	Show(f *frame.Frame) error
	// Poll returns a pending action without blocking.
	Poll() Action
	Close() error
}

// WindowDisplay is an OpenCV HighGUI window. It must be driven from the main
// OS thread on platforms that require it.
type WindowDisplay struct {
	window *gocv.Window
}

func NewWindowDisplay(title string) *WindowDisplay {
	return &WindowDisplay{window: gocv.NewWindow(title)}
}

func (w *WindowDisplay) Show(f *frame.Frame) error {
	mat, err := toMat(f)
	if err != nil {
		return err
	}
	defer mat.Close()
	w.window.IMShow(mat)
	return nil
}

// Poll pumps the window event loop for one millisecond and maps the key.
func (w *WindowDisplay) Poll() Action {
	return KeyAction(w.window.WaitKey(1))
}

func (w *WindowDisplay) Close() error {
	return w.window.Close()
}

// NopDisplay discards frames, for headless runs.
type NopDisplay struct{}

func (NopDisplay) Show(*frame.Frame) error { return nil }
func (NopDisplay) Poll() Action            { return ActionNone }
func (NopDisplay) Close() error            { return nil }

type multiDisplay []Display

// Multi shows every frame on all displays. Poll returns the first action reported.
func Multi(displays ...Display) Display {
	return multiDisplay(displays)
}

func (m multiDisplay) Show(f *frame.Frame) error {
	var errs []error
	for _, d := range m {
		if err := d.Show(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiDisplay) Poll() Action {
	for _, d := range m {
		if a := d.Poll(); a != ActionNone {
			return a
		}
	}
	return ActionNone
}

func (m multiDisplay) Close() error {
	var errs []error
	for _, d := range m {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}
