// Package render projects a basket onto the page anchors that display it:
// the nav badge, the slide-out drawer, the basket page and the checkout page.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"basket/pkg/basket"
)

//go:embed templates/fragments.gohtml
var fragmentFS embed.FS

// Anchor is the id of an element a renderer fills.
type Anchor string

const (
	NavCount       Anchor = "navCount"
	DrawerList     Anchor = "drawerList"
	DrawerEmpty    Anchor = "drawerEmpty"
	DrawerCount    Anchor = "drawerCount"
	DrawerTotals   Anchor = "drawerTotals"
	BasketList     Anchor = "basketList"
	BasketEmpty    Anchor = "basketEmpty"
	BasketCount    Anchor = "basketCount"
	BasketClear    Anchor = "basketClear"
	BasketTotals   Anchor = "basketTotals"
	CheckoutList   Anchor = "checkoutList"
	CheckoutEmpty  Anchor = "checkoutEmpty"
	CheckoutCount  Anchor = "checkoutCount"
	CheckoutTotals Anchor = "checkoutTotals"
)

// Page is the set of anchors present in one document.
type Page struct {
	Name    string
	anchors map[Anchor]struct{}
}

// NewPage declares a document and the anchors it contains.
func NewPage(name string, anchors ...Anchor) Page {
	set := make(map[Anchor]struct{}, len(anchors))
	for _, a := range anchors {
		set[a] = struct{}{}
	}
	return Page{Name: name, anchors: set}
}

// Has reports whether the page contains anchor a.
func (p Page) Has(a Anchor) bool {
	_, ok := p.anchors[a]
	return ok
}

// Renderer fills a fixed group of anchors. It runs only when the page has all of them.
type Renderer struct {
	Name    string
	Anchors []Anchor
}

var (
	NavBadge     = Renderer{Name: "nav", Anchors: []Anchor{NavCount}}
	Drawer       = Renderer{Name: "drawer", Anchors: []Anchor{DrawerList, DrawerEmpty, DrawerCount, DrawerTotals}}
	BasketPage   = Renderer{Name: "basket", Anchors: []Anchor{BasketList, BasketEmpty, BasketCount, BasketClear, BasketTotals}}
	CheckoutPage = Renderer{Name: "checkout", Anchors: []Anchor{CheckoutList, CheckoutEmpty, CheckoutCount, CheckoutTotals}}
)

// order is fixed so refresh output is deterministic.
var order = []Renderer{NavBadge, Drawer, BasketPage, CheckoutPage}

// Applies reports whether every anchor r needs is on p.
func (r Renderer) Applies(p Page) bool {
	for _, a := range r.Anchors {
		if !p.Has(a) {
			return false
		}
	}
	return true
}

// View is the data every renderer reads.
type View struct {
	Snapshot basket.Snapshot
	Totals   basket.Totals
	// Prices shows unit prices and totals; Fee adds the service fee line.
	Prices   bool
	Fee      bool
	Currency string
}

// Row is one rendered line.
type Row struct {
	Index       int
	LineID      string
	Label       string
	Description string
	Price       float64
}

// Empty reports whether the placeholder state applies.
func (v View) Empty() bool { return v.Snapshot.Items.Empty() }

// Count is the number of lines.
func (v View) Count() int { return v.Snapshot.Items.Len() }

// Version is the snapshot version carried by remove controls.
func (v View) Version() string { return v.Snapshot.Version }

// Rows lists the lines in display order with their current positions.
func (v View) Rows() []Row {
	rows := make([]Row, 0, len(v.Snapshot.Items))
	for i, item := range v.Snapshot.Items {
		rows = append(rows, Row{
			Index:       i,
			LineID:      item.LineID,
			Label:       item.Label(),
			Description: item.Description,
			Price:       item.Price,
		})
	}
	return rows
}

// Fragments maps each filled anchor to its inner HTML.
type Fragments map[Anchor]template.HTML

// Result lists which renderers ran, in order, and what they produced.
type Result struct {
	Ran       []string
	Fragments Fragments
}

// Engine executes the fragment templates.
type Engine struct {
	tmpl *template.Template
}

// New parses the embedded fragment templates.
func New() (*Engine, error) {
	tmpl, err := template.New("fragments").Funcs(template.FuncMap{
		"money": formatMoney,
	}).ParseFS(fragmentFS, "templates/fragments.gohtml")
	if err != nil {
		return nil, err
	}
	return &Engine{tmpl: tmpl}, nil
}

// Render runs r against v. It returns nil fragments when r does not apply to p.
func (e *Engine) Render(r Renderer, p Page, v View) (Fragments, error) {
	if !r.Applies(p) {
		return nil, nil
	}
	out := make(Fragments, len(r.Anchors))
	for _, a := range r.Anchors {
		var buf bytes.Buffer
		if err := e.tmpl.ExecuteTemplate(&buf, string(a), v); err != nil {
			return nil, fmt.Errorf("rendering %s: %w", a, err)
		}
		out[a] = template.HTML(bytes.TrimSpace(buf.Bytes()))
	}
	return out, nil
}

// Refresh re-runs every renderer in order nav, drawer, basket page, checkout page.
func (e *Engine) Refresh(p Page, v View) (Result, error) {
	res := Result{Fragments: make(Fragments)}
	for _, r := range order {
		frags, err := e.Render(r, p, v)
		if err != nil {
			return Result{}, err
		}
		if frags == nil {
			continue
		}
		res.Ran = append(res.Ran, r.Name)
		for a, html := range frags {
			res.Fragments[a] = html
		}
	}
	return res, nil
}

func formatMoney(currency string, amount float64) string {
	return fmt.Sprintf("%s%.2f", currency, amount)
}
