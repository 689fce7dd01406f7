package panel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/carfigures/carfigures/crypto"
	"github.com/carfigures/carfigures/metrics"
	"github.com/carfigures/carfigures/storage"
	"github.com/carfigures/carfigures/structs"
	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type client struct {
	t    *testing.T
	url  string
	http *http.Client
}

func (c *client) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.url+path, reader)
	if err != nil {
		c.t.Fatal(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatal(err)
	}
	return resp.StatusCode, b
}

func (c *client) decode(b []byte, v any) {
	c.t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		c.t.Fatalf("decoding %s: %v", b, err)
	}
}

type fixture struct {
	store   *storage.Storage
	metrics *metrics.Metrics
	server  *httptest.Server
	static  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	hash, err := crypto.HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetAdmin(context.Background(), &structs.Admin{Username: "root", PasswordHash: hash}); err != nil {
		t.Fatal(err)
	}
	static := filepath.Join(dir, "static")
	if err := os.MkdirAll(static, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(static, "app.css"), []byte("body {}"), 0600); err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	f := &fixture{
		store:   store,
		metrics: m,
		static:  static,
		server:  httptest.NewServer(New(store, m, WithStatic(static), WithThrottle(crypto.NewThrottle(time.Hour)))),
	}
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) client(t *testing.T) *client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &client{
		t:   t,
		url: f.server.URL,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *fixture) loggedIn(t *testing.T) *client {
	c := f.client(t)
	if code, body := c.do("POST", "/admin/login", credentials{Username: "root", Password: "hunter2"}); code != http.StatusOK {
		t.Fatalf("login got %d: %s", code, body)
	}
	return c
}

func TestRedirectAndStatic(t *testing.T) {
	f := newFixture(t)
	c := f.client(t)
	resp, err := c.http.Get(f.server.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/admin" {
		t.Errorf("got %d to %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if code, body := c.do("GET", "/static/app.css", nil); code != http.StatusOK || string(body) != "body {}" {
		t.Errorf("got %d: %s", code, body)
	}
	code, body := c.do("GET", "/nowhere", nil)
	errBody := &errorBody{}
	c.decode(body, errBody)
	if code != http.StatusNotFound || errBody.Status != http.StatusNotFound {
		t.Errorf("got %d: %s", code, body)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	c := f.client(t)
	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/admin/cars", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("got %d", resp.StatusCode)
	}
	for header, want := range map[string]string{
		"Access-Control-Allow-Origin":      "*",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Allow-Methods":     "*",
		"Access-Control-Allow-Headers":     "*",
		"Access-Control-Expose-Headers":    "*",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s is %q, want %q", header, got, want)
		}
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	c := f.client(t)
	if code, _ := c.do("GET", "/admin", nil); code != http.StatusUnauthorized {
		t.Errorf("got %d before login", code)
	}
	if code, _ := c.do("POST", "/admin/login", credentials{Username: "root", Password: "wrong"}); code != http.StatusUnauthorized {
		t.Errorf("got %d for a wrong password", code)
	}
	if code, _ := c.do("POST", "/admin/login", credentials{Username: "root", Password: "hunter2"}); code != http.StatusTooManyRequests {
		t.Errorf("got %d right after a failure", code)
	}
	if code, _ := c.do("POST", "/admin/login", "not an object"); code != http.StatusBadRequest {
		t.Errorf("got %d for a bad body", code)
	}

	other := newFixture(t).loggedIn(t)
	code, body := other.do("GET", "/admin", nil)
	who := &identity{}
	other.decode(body, who)
	if code != http.StatusOK || who.Username != "root" {
		t.Errorf("got %d: %s", code, body)
	}
	if code, _ := other.do("POST", "/admin/logout", nil); code != http.StatusNoContent {
		t.Errorf("logout got %d", code)
	}
	if code, _ := other.do("GET", "/admin", nil); code != http.StatusUnauthorized {
		t.Errorf("got %d after logout", code)
	}
}

func TestRemovedAdminIsForbidden(t *testing.T) {
	f := newFixture(t)
	c := f.loggedIn(t)
	if err := f.store.DeleteAdmin(context.Background(), "root"); err != nil {
		t.Fatal(err)
	}
	if code, _ := c.do("GET", "/admin/cars", nil); code != http.StatusForbidden {
		t.Errorf("got %d", code)
	}
	if code, _ := c.do("GET", "/admin/cars", nil); code != http.StatusUnauthorized {
		t.Errorf("got %d once the session is dropped", code)
	}
}

func TestCars(t *testing.T) {
	f := newFixture(t)
	c := f.loggedIn(t)

	code, body := c.do("POST", "/admin/cars", &structs.Car{Name: "red", FullName: "Red Roadster", Rarity: 2})
	if code != http.StatusCreated {
		t.Fatalf("got %d: %s", code, body)
	}
	created := &written[*structs.Car]{}
	c.decode(body, created)
	if created.Note != ReloadNote || created.Record.ID == 0 || !created.Record.Enabled {
		t.Errorf("got %+v", created)
	}
	path := fmt.Sprintf("/admin/cars/%d", created.Record.ID)

	if code, body := c.do("POST", "/admin/cars", &structs.Car{Name: "red2", FullName: "red roadster"}); code != http.StatusConflict {
		t.Errorf("got %d for a duplicate: %s", code, body)
	}
	if code, _ := c.do("POST", "/admin/cars", &structs.Car{Name: "x"}); code != http.StatusBadRequest {
		t.Errorf("got %d without full name", code)
	}

	code, body = c.do("PUT", path, map[string]any{"rarity": 5, "enabled": false})
	if code != http.StatusOK {
		t.Fatalf("got %d: %s", code, body)
	}
	got, err := f.store.LoadCar(context.Background(), created.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := *created.Record
	want.Rarity = 5
	want.Enabled = false
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("stored car (-want +got):\n%s", diff)
	}

	code, body = c.do("GET", "/admin/cars", nil)
	list := []*structs.Car{}
	c.decode(body, &list)
	if code != http.StatusOK || len(list) != 1 || list[0].FullName != "Red Roadster" {
		t.Errorf("got %d: %s", code, body)
	}

	if code, _ := c.do("DELETE", path, nil); code != http.StatusOK {
		t.Errorf("delete got %d", code)
	}
	for _, method := range []string{"GET", "DELETE", "PUT"} {
		if code, _ := c.do(method, path, &structs.Car{Name: "a", FullName: "A"}); code != http.StatusNotFound {
			t.Errorf("%s after delete got %d", method, code)
		}
	}
	if code, _ := c.do("GET", "/admin/cars/abc", nil); code != http.StatusNotFound {
		t.Errorf("got %d for a bad id", code)
	}
}

func TestGuilds(t *testing.T) {
	f := newFixture(t)
	c := f.loggedIn(t)
	code, body := c.do("POST", "/admin/guilds", &structs.Guild{Name: "Garage", MemberCount: 42})
	if code != http.StatusCreated {
		t.Fatalf("got %d: %s", code, body)
	}
	created := &written[*structs.Guild]{}
	c.decode(body, created)
	if created.Note != "" {
		t.Errorf("guild write got note %q", created.Note)
	}
	if code, _ := c.do("POST", "/admin/guilds", &structs.Guild{MemberCount: 1}); code != http.StatusBadRequest {
		t.Errorf("got %d without a name", code)
	}
	code, body = c.do("GET", "/admin/guilds", nil)
	list := []*structs.Guild{}
	c.decode(body, &list)
	if diff := cmp.Diff([]*structs.Guild{created.Record}, list); code != http.StatusOK || diff != "" {
		t.Errorf("got %d (-want +got):\n%s", code, diff)
	}
	path := fmt.Sprintf("/admin/guilds/%d", created.Record.ID)
	if code, body := c.do("DELETE", path, nil); code != http.StatusOK || strings.Contains(string(body), "note") {
		t.Errorf("delete got %d: %s", code, body)
	}
	if code, _ := c.do("DELETE", path, nil); code != http.StatusNotFound {
		t.Errorf("second delete got %d", code)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	c := f.loggedIn(t)
	c.do("GET", "/admin/cars", nil)
	c.do("GET", "/admin/cars", nil)
	if got := testutil.ToFloat64(f.metrics.PanelRequests.WithLabelValues("GET /admin/cars", "200")); got != 2 {
		t.Errorf("got %v counted requests", got)
	}
	code, body := c.do("GET", "/metrics", nil)
	if code != http.StatusOK || !strings.Contains(string(body), "carfigures_panel_requests_total") {
		t.Errorf("got %d:\n%s", code, body)
	}
}
