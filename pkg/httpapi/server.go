// Package httpapi serves the storefront pages and the basket JSON API.
package httpapi

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"basket/pkg/basket"
	"basket/pkg/capture"
	"basket/pkg/config"
	"basket/pkg/discount"
	"basket/pkg/marker"
	"basket/pkg/render"
)

//go:embed templates/pages.gohtml
var pageFS embed.FS

const requestTimeout = 3 * time.Second

// Documents and the anchors each one contains.
var (
	itemsDoc = render.NewPage("items",
		render.NavCount, render.DrawerList, render.DrawerEmpty, render.DrawerCount, render.DrawerTotals)
	basketDoc = render.NewPage("basket",
		render.NavCount, render.DrawerList, render.DrawerEmpty, render.DrawerCount, render.DrawerTotals,
		render.BasketList, render.BasketEmpty, render.BasketCount, render.BasketClear, render.BasketTotals)
	checkoutDoc = render.NewPage("checkout",
		render.NavCount, render.CheckoutList, render.CheckoutEmpty, render.CheckoutCount, render.CheckoutTotals)
	successDoc = render.NewPage("success", render.NavCount)
)

var documents = map[string]render.Page{
	itemsDoc.Name:    itemsDoc,
	basketDoc.Name:   basketDoc,
	checkoutDoc.Name: checkoutDoc,
	successDoc.Name:  successDoc,
}

var _ capture.Adder = (*basket.Store)(nil)

// Server wires HTTP endpoints to the basket store.
type Server struct {
	store    *basket.Store
	engine   *render.Engine
	pages    *template.Template
	cfg      config.Config
	checker  discount.Checker
	sessions *sessions
	catalog  []Product
	logger   *zap.Logger

	drained   chan struct{}
	drainOnce sync.Once
}

// New parses templates once so requests only execute them.
func New(store *basket.Store, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	pages, err := template.New("pages").Funcs(template.FuncMap{
		"money": func(currency string, amount float64) string {
			return currency + strconv.FormatFloat(amount, 'f', 2, 64)
		},
	}).ParseFS(pageFS, "templates/pages.gohtml")
	if err != nil {
		return nil, err
	}
	opts := capture.Options{
		PopupAvailable: cfg.Features.Popup && (cfg.Features.ColorCapture || cfg.Features.Description),
		Landing:        "/",
		Description:    cfg.Features.Description,
	}
	if cfg.Features.ColorCapture {
		opts.Swatches = cfg.Swatches
	}
	s := &Server{
		store:   store,
		engine:  engine,
		pages:   pages,
		cfg:     cfg,
		checker: discount.NewChecker(cfg.Discount.Code),
		catalog: defaultCatalog(),
		logger:  logger,
		drained: make(chan struct{}),
	}
	s.sessions = newSessions(func(owner string) *capture.Flow {
		return capture.NewFlow(store, owner, opts)
	}, time.Duration(cfg.Notice.Duration))
	return s, nil
}

// Drain ends open event streams so http.Server.Shutdown can finish. Register
// it with RegisterOnShutdown; later streams end as soon as they connect.
func (s *Server) Drain() {
	s.drainOnce.Do(func() { close(s.drained) })
}

// Handler exposes the mux with pages, form posts, and the JSON API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.itemsPage)
	mux.HandleFunc("GET /basket", s.basketPage)
	mux.HandleFunc("GET /checkout", s.checkoutPage)
	mux.HandleFunc("GET /order-success", s.successPage)

	mux.HandleFunc("POST /basket/add", s.addForm)
	mux.HandleFunc("POST /basket/popup/confirm", s.confirmPopup)
	mux.HandleFunc("POST /basket/popup/cancel", s.cancelPopup)
	mux.HandleFunc("POST /basket/remove", s.removeForm)
	mux.HandleFunc("POST /basket/clear", s.clearForm)
	mux.HandleFunc("POST /checkout", s.submitCheckout)
	mux.HandleFunc("POST /checkout/discount", s.discountForm)

	mux.HandleFunc("GET /api/basket", s.getBasket)
	mux.HandleFunc("POST /api/basket/items", s.addItem)
	mux.HandleFunc("DELETE /api/basket/items/{index}", s.removeItem)
	mux.HandleFunc("DELETE /api/basket/lines/{lineID}", s.removeLine)
	mux.HandleFunc("DELETE /api/basket", s.clearBasket)
	mux.HandleFunc("GET /api/basket/fragments", s.fragments)
	mux.HandleFunc("GET /api/basket/events", s.events)
	mux.HandleFunc("POST /api/discount", s.checkDiscount)
	return mux
}

// pageData is what every page template receives.
type pageData struct {
	Page         string
	Title        string
	Fragments    map[string]template.HTML
	Notice       string
	NoticeMillis int64
	Prices       bool
	Currency     string
	Products     []Product

	PopupOpen       bool
	Pending         capture.Pending
	Swatches        []string
	ShowColor       bool
	ShowDescription bool

	DiscountEnabled bool
	Discount        discount.Result
}

// view builds the renderer input from a fresh load of the basket.
func (s *Server) view(ctx context.Context, owner string) render.View {
	snap := s.store.Load(ctx, owner)
	return render.View{
		Snapshot: snap,
		Totals:   basket.ComputeTotals(snap.Items, s.cfg.FeePolicy()),
		Prices:   s.cfg.Features.PriceTotals,
		Fee:      s.cfg.FeePolicy().Enabled,
		Currency: s.cfg.Currency,
	}
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, sess *session, doc render.Page, title string, fill func(*pageData)) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := s.engine.Refresh(doc, s.view(ctx, sess.owner()))
	if err != nil {
		s.logger.Error("page render failed", zap.String("page", doc.Name), zap.Error(err))
		http.Error(w, "unable to render page", http.StatusInternalServerError)
		return
	}
	data := pageData{
		Page:      doc.Name,
		Title:     title,
		Fragments: stringKeys(res.Fragments),
		Prices:    s.cfg.Features.PriceTotals,
		Currency:  s.cfg.Currency,
	}
	if msg, left, ok := sess.toast.Take(); ok {
		data.Notice = msg
		data.NoticeMillis = left.Milliseconds()
	}
	if fill != nil {
		fill(&data)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.ExecuteTemplate(w, doc.Name, data); err != nil {
		s.logger.Error("page template failed", zap.String("page", doc.Name), zap.Error(err))
	}
}

// itemsPage is the landing page. A request carrying the "just added" marker
// shows the confirmation once and is redirected to the clean URL.
func (s *Server) itemsPage(w http.ResponseWriter, r *http.Request) {
	id := s.sessions.identify(w, r)

	clean := *r.URL
	if marker.Consume(&clean) {
		sess := s.sessions.get(id, true)
		sess.mu.Lock()
		msg := sess.justAdded
		sess.justAdded = ""
		sess.mu.Unlock()
		if msg == "" {
			msg = "Added to your basket"
		}
		sess.notify(msg)
		http.Redirect(w, r, clean.RequestURI(), http.StatusSeeOther)
		return
	}

	sess := s.sessions.get(id, false)
	sess.mu.Lock()
	popupOpen := sess.flow.State() == capture.PopupOpen
	pending := sess.flow.Pending()
	swatches := sess.flow.Swatches()
	sess.mu.Unlock()

	s.renderPage(w, r, sess, itemsDoc, "Handmade goods", func(d *pageData) {
		d.Products = s.catalog
		d.PopupOpen = popupOpen
		d.Pending = pending
		d.Swatches = swatches
		d.ShowColor = s.cfg.Features.ColorCapture
		d.ShowDescription = s.cfg.Features.Description
	})
}

func (s *Server) basketPage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	s.renderPage(w, r, sess, basketDoc, "Your basket", nil)
}

func (s *Server) checkoutPage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	sess.mu.Lock()
	result := sess.discount
	sess.mu.Unlock()
	s.renderPage(w, r, sess, checkoutDoc, "Checkout", func(d *pageData) {
		d.DiscountEnabled = s.cfg.Features.DiscountCode
		d.Discount = result
	})
}

func (s *Server) successPage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	s.renderPage(w, r, sess, successDoc, "Thank you", nil)
}

// addForm starts the capture flow for the posted product.
func (s *Server) addForm(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	item, err := s.itemFromForm(r.PostForm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sess.mu.Lock()
	out, err := sess.flow.Open(ctx, item)
	sess.mu.Unlock()
	if err != nil {
		s.logger.Error("add to basket failed", zap.String("owner", sess.owner()), zap.String("name", item.Name), zap.Error(err))
		http.Error(w, "unable to add item", statusFor(err))
		return
	}
	if out.Added {
		sess.notify(out.Notice)
		http.Redirect(w, r, backTo(r, "/"), http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/#popup", http.StatusSeeOther)
}

// confirmPopup applies the popup choices and adds the pending item.
func (s *Server) confirmPopup(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.flow.State() != capture.PopupOpen {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if err := sess.flow.SelectSwatch(r.PostForm.Get("swatch")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := sess.flow.SetCustomColor(r.PostForm.Get("custom_color")); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if err := sess.flow.SetDescription(r.PostForm.Get("description")); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	out, err := sess.flow.Confirm(ctx)
	if err != nil {
		s.logger.Error("popup confirm failed", zap.String("owner", sess.owner()), zap.Error(err))
		http.Error(w, "unable to add item", statusFor(err))
		return
	}
	sess.justAdded = out.Notice
	http.Redirect(w, r, out.Redirect, http.StatusSeeOther)
}

func (s *Server) cancelPopup(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	sess.mu.Lock()
	sess.flow.Cancel()
	sess.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// removeForm deletes by position and version; when the page was stale it
// falls back to the stable line id so the wrong item is never removed.
func (s *Server) removeForm(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(r.PostForm.Get("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	version := r.PostForm.Get("version")
	lineID := r.PostForm.Get("line")

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	_, err = s.store.RemoveAt(ctx, sess.owner(), index, version)
	if errors.Is(err, basket.ErrStaleSnapshot) && lineID != "" {
		_, err = s.store.RemoveLine(ctx, sess.owner(), lineID)
	}
	if err != nil && !errors.Is(err, basket.ErrLineNotFound) && !errors.Is(err, basket.ErrIndexOutOfRange) {
		s.logger.Error("remove from basket failed", zap.String("owner", sess.owner()), zap.Int("index", index), zap.Error(err))
		http.Error(w, "unable to remove item", statusFor(err))
		return
	}
	http.Redirect(w, r, backTo(r, "/basket"), http.StatusSeeOther)
}

func (s *Server) clearForm(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.store.Clear(ctx, sess.owner()); err != nil {
		s.logger.Error("clear basket failed", zap.String("owner", sess.owner()), zap.Error(err))
		http.Error(w, "unable to clear basket", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/basket", http.StatusSeeOther)
}

// submitCheckout ends the visit on the static success page.
func (s *Server) submitCheckout(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	if s.cfg.Features.ClearOnCheckout {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := s.store.Clear(ctx, sess.owner()); err != nil {
			s.logger.Error("checkout clear failed", zap.String("owner", sess.owner()), zap.Error(err))
			http.Error(w, "unable to complete checkout", http.StatusInternalServerError)
			return
		}
	}
	sess.mu.Lock()
	sess.discount = discount.Result{}
	sess.mu.Unlock()
	s.logger.Info("checkout submitted", zap.String("owner", sess.owner()))
	http.Redirect(w, r, "/order-success", http.StatusSeeOther)
}

func (s *Server) discountForm(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Features.DiscountCode {
		http.NotFound(w, r)
		return
	}
	sess := s.sessions.resolve(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	result := s.checker.Check(r.PostForm.Get("code"))
	sess.mu.Lock()
	sess.discount = result
	sess.mu.Unlock()
	http.Redirect(w, r, "/checkout", http.StatusSeeOther)
}

// itemFromForm prefers catalog data over posted name and price.
func (s *Server) itemFromForm(form url.Values) (basket.LineItem, error) {
	id := strings.TrimSpace(form.Get("id"))
	if p, ok := findProduct(s.catalog, id); ok {
		return s.lineFor(p), nil
	}
	item := basket.LineItem{ProductID: id, Name: form.Get("name")}
	if raw := strings.TrimSpace(form.Get("price")); raw != "" && s.cfg.Features.PriceTotals {
		price, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
		if err != nil {
			return basket.LineItem{}, errors.New("invalid price")
		}
		item.Price = price
	}
	return item, nil
}

func (s *Server) lineFor(p Product) basket.LineItem {
	item := basket.LineItem{ProductID: p.ID, Name: p.Name}
	if s.cfg.Features.PriceTotals {
		item.Price = p.Price
	}
	return item
}

// backTo returns the local referring path, or fallback.
func backTo(r *http.Request, fallback string) string {
	ref, err := url.Parse(r.Referer())
	if err != nil || ref.Path == "" || (ref.Host != "" && ref.Host != r.Host) {
		return fallback
	}
	return ref.RequestURI()
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case basket.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, basket.ErrIndexOutOfRange), errors.Is(err, basket.ErrLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, basket.ErrStaleSnapshot):
		return http.StatusConflict
	case errors.Is(err, capture.ErrUnknownSwatch), errors.Is(err, capture.ErrNotOpen):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func stringKeys(f render.Fragments) map[string]template.HTML {
	out := make(map[string]template.HTML, len(f))
	for a, html := range f {
		out[string(a)] = html
	}
	return out
}
