package basket

import "strings"

// DefaultKey is the canonical storage key for persisted baskets.
const DefaultKey = "areejBasket"

// PlaceholderName labels items added without a product name.
const PlaceholderName = "Item"

// LineItem is one basket entry. Only Name is required.
type LineItem struct {
	LineID      string  `json:"lineId,omitempty"`
	ProductID   string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Color       string  `json:"color,omitempty"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price,omitempty"`
}

// Label is the display text of a row: the name, suffixed with the color in
// parentheses. A blank name shows as PlaceholderName.
func (i LineItem) Label() string {
	name := strings.TrimSpace(i.Name)
	if name == "" {
		name = PlaceholderName
	}
	if i.Color == "" {
		return name
	}
	return name + " (" + i.Color + ")"
}

// Basket is the ordered list of line items. Display order is insertion order
// and duplicates are kept as separate lines.
type Basket []LineItem

// Len reports the number of lines.
func (b Basket) Len() int { return len(b) }

// Empty reports whether the basket has no lines.
func (b Basket) Empty() bool { return len(b) == 0 }

// Snapshot is a basket together with the version of the persisted value it was read from.
type Snapshot struct {
	Items   Basket `json:"items"`
	Version string `json:"version"`
}

// EventKind names what caused a refresh.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventRemoved  EventKind = "removed"
	EventCleared  EventKind = "cleared"
	EventSaved    EventKind = "saved"
	EventExternal EventKind = "external"
)

// Event asks every projection of Owner's basket to re-render.
// An empty Owner addresses every subscriber.
type Event struct {
	Kind    EventKind `json:"kind"`
	Owner   string    `json:"-"`
	Message string    `json:"message,omitempty"`
}
