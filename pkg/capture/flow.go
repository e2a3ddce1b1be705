// Package capture implements the add-to-basket popup: pick a color, write a
// note, confirm or cancel.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"basket/pkg/basket"
	"basket/pkg/marker"
)

// State is the popup state.
type State int

const (
	Idle State = iota
	PopupOpen
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PopupOpen:
		return "popup-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotOpen is returned by operations that need an open popup.
	ErrNotOpen = errors.New("popup is not open")
	// ErrUnknownSwatch is returned when a color is not one of the presets.
	ErrUnknownSwatch = errors.New("unknown color swatch")
)

// Adder is the part of the basket store the flow needs.
type Adder interface {
	Add(ctx context.Context, owner string, item basket.LineItem) (basket.LineItem, error)
}

// Options configures a Flow.
type Options struct {
	// PopupAvailable reports whether the current page can show the popup.
	// Without it, Open adds the item straight away.
	PopupAvailable bool
	Swatches       []string
	// Landing is where Confirm redirects, with the one-shot marker attached.
	Landing string
	// Description enables the free-text note; when false it is dropped on confirm.
	Description bool
}

// Outcome tells the caller what happened and where to go next.
type Outcome struct {
	Added    bool
	Item     basket.LineItem
	Notice   string
	Redirect string
}

// Pending is what the open popup currently holds.
type Pending struct {
	Item        basket.LineItem
	Swatch      string
	CustomColor string
	Description string
}

// Flow is one owner's popup. It is not safe for concurrent use; callers
// keep one per session and serialize access.
type Flow struct {
	opts    Options
	adder   Adder
	owner   string
	state   State
	pending Pending
}

// NewFlow returns an idle flow for owner.
func NewFlow(adder Adder, owner string, opts Options) *Flow {
	if opts.Landing == "" {
		opts.Landing = "/"
	}
	return &Flow{opts: opts, adder: adder, owner: owner}
}

// State returns the current state.
func (f *Flow) State() State { return f.state }

// Pending returns the popup contents; it is zero while idle.
func (f *Flow) Pending() Pending { return f.pending }

// Swatches lists the preset colors.
func (f *Flow) Swatches() []string { return f.opts.Swatches }

// Open starts capturing item. Reopening resets every choice made before.
func (f *Flow) Open(ctx context.Context, item basket.LineItem) (Outcome, error) {
	if !f.opts.PopupAvailable {
		stored, err := f.adder.Add(ctx, f.owner, item)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Added: true, Item: stored, Notice: addedNotice(stored)}, nil
	}
	f.state = PopupOpen
	f.pending = Pending{Item: item}
	return Outcome{}, nil
}

// SelectSwatch picks one of the preset colors, replacing any earlier pick.
// An empty color clears the pick.
func (f *Flow) SelectSwatch(color string) error {
	if f.state != PopupOpen {
		return ErrNotOpen
	}
	if color == "" {
		f.pending.Swatch = ""
		return nil
	}
	for _, s := range f.opts.Swatches {
		if strings.EqualFold(s, color) {
			f.pending.Swatch = s
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSwatch, color)
}

// SetCustomColor records free-text color, used only when no swatch is picked.
func (f *Flow) SetCustomColor(text string) error {
	if f.state != PopupOpen {
		return ErrNotOpen
	}
	f.pending.CustomColor = text
	return nil
}

// SetDescription records the free-text note.
func (f *Flow) SetDescription(text string) error {
	if f.state != PopupOpen {
		return ErrNotOpen
	}
	f.pending.Description = text
	return nil
}

// Confirm adds the pending item and returns to Idle. The redirect points at
// the landing page carrying the "just added" marker.
func (f *Flow) Confirm(ctx context.Context) (Outcome, error) {
	if f.state != PopupOpen {
		return Outcome{}, ErrNotOpen
	}
	item := f.pending.Item
	item.Color = f.resolvedColor()
	if f.opts.Description {
		item.Description = strings.TrimSpace(f.pending.Description)
	}

	stored, err := f.adder.Add(ctx, f.owner, item)
	if err != nil {
		return Outcome{}, err
	}
	f.reset()
	return Outcome{
		Added:    true,
		Item:     stored,
		Notice:   addedNotice(stored),
		Redirect: marker.Mark(f.opts.Landing),
	}, nil
}

// Cancel discards the popup without touching the basket.
func (f *Flow) Cancel() {
	f.reset()
}

func (f *Flow) resolvedColor() string {
	if f.pending.Swatch != "" {
		return f.pending.Swatch
	}
	return strings.TrimSpace(f.pending.CustomColor)
}

func (f *Flow) reset() {
	f.state = Idle
	f.pending = Pending{}
}

func addedNotice(item basket.LineItem) string {
	return item.Label() + " added to your basket"
}
