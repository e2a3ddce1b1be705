package httpapi

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basket/pkg/basket"
	"basket/pkg/config"
	"basket/pkg/discount"
	"basket/pkg/storage/memorydriver"
	"basket/pkg/storage/sqlslots"
)

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
	store  *basket.Store
	api    *Server
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	name, cleanup, err := memorydriver.Register("", nil)
	require.NoError(t, err)
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	require.NoError(t, sqlslots.EnsureSchema(context.Background(), db))

	store := basket.NewStore(sqlslots.NewRepository(db), basket.Options{Key: cfg.Storage.Key})
	api, err := New(store, cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.Close()
		store.Close()
		db.Close()
		cleanup()
	})
	return &harness{t: t, srv: srv, client: &http.Client{Jar: jar}, store: store, api: api}
}

func (h *harness) get(path string) (*http.Response, string) {
	h.t.Helper()
	res, err := h.client.Get(h.srv.URL + path)
	require.NoError(h.t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(h.t, err)
	return res, string(body)
}

func (h *harness) postForm(path string, form url.Values) (*http.Response, string) {
	h.t.Helper()
	res, err := h.client.PostForm(h.srv.URL+path, form)
	require.NoError(h.t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(h.t, err)
	return res, string(body)
}

func (h *harness) do(method, path, body string) (*http.Response, string) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(h.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	require.NoError(h.t, err)
	return res, string(out)
}

func (h *harness) basket() basketResponse {
	h.t.Helper()
	res, body := h.get("/api/basket")
	require.Equal(h.t, http.StatusOK, res.StatusCode)
	var out basketResponse
	require.NoError(h.t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestAddWithoutPopupAddsImmediately(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Features.Popup = false })

	res, body := h.postForm("/basket/add", url.Values{"id": {"tote-woven"}})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/", res.Request.URL.Path)
	assert.Contains(t, body, "Woven Tote added to your basket")

	items := h.basket().Items
	require.Len(t, items, 1)
	assert.Equal(t, "Woven Tote", items[0].Name)
	assert.Equal(t, 42.0, items[0].Price)

	_, body = h.get("/")
	assert.NotContains(t, body, "added to your basket")
}

func TestPopupConfirmShowsNoticeOnce(t *testing.T) {
	h := newHarness(t, nil)

	_, body := h.postForm("/basket/add", url.Values{"id": {"scarf-silk"}})
	assert.Contains(t, body, "popup-panel")
	assert.Contains(t, body, "Silk Scarf")
	assert.Empty(t, h.basket().Items)

	res, body := h.postForm("/basket/popup/confirm", url.Values{
		"swatch":       {"Sage"},
		"custom_color": {"teal"},
		"description":  {"gift wrap"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/", res.Request.URL.Path)
	assert.Empty(t, res.Request.URL.RawQuery)
	assert.Contains(t, body, "Silk Scarf (Sage) added to your basket")
	assert.NotContains(t, body, "popup-panel")

	_, body = h.get("/")
	assert.NotContains(t, body, "added to your basket")

	items := h.basket().Items
	require.Len(t, items, 1)
	assert.Equal(t, "Sage", items[0].Color)
	assert.Equal(t, "gift wrap", items[0].Description)
	assert.NotEmpty(t, items[0].LineID)
}

func TestMarkerWithoutPendingNoticeStillShowsOnce(t *testing.T) {
	h := newHarness(t, nil)

	res, body := h.get("/?added=1")
	assert.Empty(t, res.Request.URL.RawQuery)
	assert.Contains(t, body, "Added to your basket")

	_, body = h.get("/")
	assert.NotContains(t, body, "Added to your basket")
}

func TestPopupCancelKeepsBasket(t *testing.T) {
	h := newHarness(t, nil)

	h.postForm("/basket/add", url.Values{"id": {"scarf-silk"}})
	_, body := h.postForm("/basket/popup/cancel", nil)
	assert.NotContains(t, body, "popup-panel")
	assert.Empty(t, h.basket().Items)
}

func TestPopupRejectsUnknownSwatch(t *testing.T) {
	h := newHarness(t, nil)

	h.postForm("/basket/add", url.Values{"id": {"scarf-silk"}})
	res, _ := h.postForm("/basket/popup/confirm", url.Values{"swatch": {"Neon"}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Empty(t, h.basket().Items)
}

func TestEmptyBasketPages(t *testing.T) {
	h := newHarness(t, nil)

	_, body := h.get("/basket")
	assert.Contains(t, body, "Your basket is empty.")
	assert.NotContains(t, body, "/basket/remove")
	assert.NotContains(t, body, "Clear basket")

	_, body = h.get("/checkout")
	assert.Contains(t, body, "Add something before checking out")
	assert.NotContains(t, body, "Subtotal")
}

func TestJSONAddAndTotals(t *testing.T) {
	h := newHarness(t, nil)

	for _, body := range []string{
		`{"name":"a","price":10}`,
		`{"name":"b","price":5.5}`,
		`{"name":"c"}`,
	} {
		res, _ := h.do(http.MethodPost, "/api/basket/items", body)
		require.Equal(t, http.StatusCreated, res.StatusCode)
	}

	b := h.basket()
	require.Len(t, b.Items, 3)
	assert.Equal(t, 3, b.Totals.Count)
	assert.InDelta(t, 15.5, b.Totals.Subtotal, 1e-9)
	assert.InDelta(t, 0.465, b.Totals.Fee, 1e-9)
	assert.InDelta(t, 15.965, b.Totals.Total, 1e-9)
}

func TestJSONAddRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)

	res, _ := h.do(http.MethodPost, "/api/basket/items", `{`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body := h.do(http.MethodPost, "/api/basket/items", `{"name":"a","price":-2}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, body, "negative")
}

func TestRemoveWithStaleVersion(t *testing.T) {
	h := newHarness(t, nil)

	h.do(http.MethodPost, "/api/basket/items", `{"name":"a"}`)
	h.do(http.MethodPost, "/api/basket/items", `{"name":"b"}`)
	rendered := h.basket()

	h.do(http.MethodPost, "/api/basket/items", `{"name":"c"}`)

	res, body := h.do(http.MethodDelete, "/api/basket/items/0?version="+rendered.Version, "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Contains(t, body, basket.ErrStaleSnapshot.Error())
	assert.Len(t, h.basket().Items, 3)

	// The form falls back to the line id, so the stale page removes the right line.
	h.postForm("/basket/remove", url.Values{
		"index":   {"1"},
		"version": {rendered.Version},
		"line":    {rendered.Items[1].LineID},
	})
	var names []string
	for _, item := range h.basket().Items {
		names = append(names, item.Name)
	}
	assert.Equal(t, []string{"a", "c"}, names)
}

func TestRemoveEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	h.do(http.MethodPost, "/api/basket/items", `{"name":"a"}`)
	h.do(http.MethodPost, "/api/basket/items", `{"name":"b"}`)

	res, _ := h.do(http.MethodDelete, "/api/basket/items/5", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = h.do(http.MethodDelete, "/api/basket/items/x", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = h.do(http.MethodDelete, "/api/basket/items/0", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	line := h.basket().Items[0].LineID
	res, _ = h.do(http.MethodDelete, "/api/basket/lines/"+line, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = h.do(http.MethodDelete, "/api/basket/lines/"+line, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	h.do(http.MethodPost, "/api/basket/items", `{"name":"c"}`)
	res, _ = h.do(http.MethodDelete, "/api/basket", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Empty(t, h.basket().Items)
}

func TestCheckoutClearsBasket(t *testing.T) {
	h := newHarness(t, nil)
	h.do(http.MethodPost, "/api/basket/items", `{"name":"a","price":3}`)

	_, body := h.get("/checkout")
	assert.Contains(t, body, "Subtotal")
	assert.Contains(t, body, "Service fee")

	res, body := h.postForm("/checkout", nil)
	assert.Equal(t, "/order-success", res.Request.URL.Path)
	assert.Contains(t, body, "Thank you")
	assert.Empty(t, h.basket().Items)
}

func TestCheckoutKeepsBasketWhenConfigured(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Features.ClearOnCheckout = false })
	h.do(http.MethodPost, "/api/basket/items", `{"name":"a"}`)

	h.postForm("/checkout", nil)
	assert.Len(t, h.basket().Items, 1)
}

func TestDiscount(t *testing.T) {
	h := newHarness(t, nil)

	check := func(code string) discount.Result {
		body, err := json.Marshal(map[string]string{"code": code})
		require.NoError(t, err)
		res, out := h.do(http.MethodPost, "/api/discount", string(body))
		require.Equal(t, http.StatusOK, res.StatusCode)
		var r discount.Result
		require.NoError(t, json.Unmarshal([]byte(out), &r))
		return r
	}
	assert.Equal(t, discount.StatusValid, check("  areej10 ").Status)
	assert.Equal(t, discount.StatusNone, check("").Status)
	assert.Equal(t, discount.StatusInvalid, check("nope").Status)

	_, body := h.postForm("/checkout/discount", url.Values{"code": {"nope"}})
	assert.Contains(t, body, "That code is not valid.")
}

func TestDiscountDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Features.DiscountCode = false })
	res, _ := h.do(http.MethodPost, "/api/discount", `{"code":"areej10"}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	_, body := h.get("/checkout")
	assert.NotContains(t, body, "Discount code")
}

func TestFragments(t *testing.T) {
	h := newHarness(t, nil)
	h.do(http.MethodPost, "/api/basket/items", `{"name":"Tote","color":"Sage"}`)

	res, body := h.get("/api/basket/fragments?page=basket")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var out fragmentsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, []string{"nav", "drawer", "basket"}, out.Ran)
	assert.Equal(t, "1", out.Fragments["navCount"])
	assert.Contains(t, out.Fragments["basketList"], "Tote (Sage)")

	_, body = h.get("/api/basket/fragments?page=success")
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, []string{"nav"}, out.Ran)

	res, _ = h.get("/api/basket/fragments?page=nope")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSessionsHaveSeparateBaskets(t *testing.T) {
	h := newHarness(t, nil)
	h.do(http.MethodPost, "/api/basket/items", `{"name":"a"}`)

	other, err := http.Get(h.srv.URL + "/api/basket")
	require.NoError(t, err)
	defer other.Body.Close()
	var out basketResponse
	require.NoError(t, json.NewDecoder(other.Body).Decode(&out))
	assert.Empty(t, out.Items)
}

func TestEventsStreamRefresh(t *testing.T) {
	h := newHarness(t, nil)
	h.get("/") // issue the session cookie

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/basket/events", nil)
	require.NoError(t, err)
	res, err := h.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	reader := bufio.NewReader(res.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	h.do(http.MethodPost, "/api/basket/items", `{"name":"Tote"}`)

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, `"kind":"added"`)
			break
		}
	}
}

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	h := newHarness(t, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &http.Server{Handler: h.api.Handler()}
	server.RegisterOnShutdown(h.api.Drain)
	served := make(chan error, 1)
	go func() { served <- server.Serve(l) }()

	res, err := http.Get("http://" + l.Addr().String() + "/api/basket/events")
	require.NoError(t, err)
	defer res.Body.Close()
	line, err := bufio.NewReader(res.Body).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.True(t, errors.Is(<-served, http.ErrServerClosed))

	_, err = io.ReadAll(res.Body)
	assert.NoError(t, err)
}

func TestCookielessReadsRetainNoSessions(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/", "/basket", "/checkout", "/api/basket", "/api/basket/fragments?page=basket"} {
		for i := 0; i < 20; i++ {
			res, err := http.Get(h.srv.URL + path)
			require.NoError(t, err)
			res.Body.Close()
			require.Equal(t, http.StatusOK, res.StatusCode, path)
		}
	}
	assert.Equal(t, 0, h.api.sessions.len())

	h.postForm("/basket/add", url.Values{"id": {"tote-woven"}})
	assert.Equal(t, 1, h.api.sessions.len())
}

func TestIdleSessionsAreSwept(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Features.Popup = false })
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.api.sessions.setClock(clock.Now)

	h.postForm("/basket/add", url.Values{"id": {"tote-woven"}})
	require.Equal(t, 1, h.api.sessions.len())

	clock.Advance(sessionIdle / 2)
	h.get("/basket")
	require.Equal(t, 1, h.api.sessions.len(), "a read keeps an existing session fresh")

	clock.Advance(sessionIdle + sweepInterval)
	res, err := http.Get(h.srv.URL + "/api/basket")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, 0, h.api.sessions.len())

	assert.Len(t, h.basket().Items, 1, "the basket outlives its session state")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (h *harness) owner() string {
	h.t.Helper()
	u, err := url.Parse(h.srv.URL)
	require.NoError(h.t, err)
	for _, c := range h.client.Jar.Cookies(u) {
		if c.Name == sessionCookie {
			return c.Value
		}
	}
	h.t.Fatal("no session cookie")
	return ""
}

func TestBasketPageShowsTotalsAndPlaceholderLabels(t *testing.T) {
	h := newHarness(t, nil)
	h.get("/basket")

	_, err := h.store.Save(context.Background(), h.owner(), basket.Basket{{Price: 3}, {Name: "Scarf", Price: 7}})
	require.NoError(t, err)

	res, body := h.get("/basket")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `<span class="basket-row__label">Item</span>`)
	assert.Contains(t, body, "Estimated total")
	assert.Contains(t, body, "$10.00")
	assert.Contains(t, body, "Proceed to checkout")
	assert.Contains(t, body, `class="drawer-summary"`)
}
