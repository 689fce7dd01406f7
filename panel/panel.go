// Package panel is the JSON admin API over the persistent store.
//
// Writes made here are not seen by the bot until an operator runs
// reloadcache, so every write reply says so.
package panel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/crypto"
	"github.com/carfigures/carfigures/metrics"
	"github.com/carfigures/carfigures/storage"
	"github.com/carfigures/carfigures/structs"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

const (
	SessionCookie = "carfigures_session"
	SessionTTL    = 12 * time.Hour
	maxSessions   = 1024
	maxBodyBytes  = 1 << 20
	// ReloadNote is included in every car write reply.
	ReloadNote = "Run reloadcache for the bot to see this change."
)

type Panel struct {
	store    *storage.Storage
	metrics  *metrics.Metrics
	sessions cache.Cache[string, string]
	throttle *crypto.Throttle
	mux      *http.ServeMux
}

type Option func(*Panel)

// WithStatic serves dir below /static/.
func WithStatic(dir string) Option {
	return func(p *Panel) {
		p.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
	}
}

func WithThrottle(throttle *crypto.Throttle) Option {
	return func(p *Panel) {
		p.throttle = throttle
	}
}

func New(store *storage.Storage, m *metrics.Metrics, opts ...Option) *Panel {
	p := &Panel{
		store:    store,
		metrics:  m,
		sessions: cache.NewCache[string, string]().WithTTL(SessionTTL).WithMaxKeys(maxSessions),
		throttle: crypto.NewThrottle(crypto.DefaultThrottleInterval),
		mux:      http.NewServeMux(),
	}
	p.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/admin", http.StatusFound)
	})
	p.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	p.mux.Handle("GET /metrics", m.Handler())
	p.mux.HandleFunc("POST /admin/login", p.login)
	p.mux.HandleFunc("POST /admin/logout", p.logout)
	p.mux.HandleFunc("GET /admin", p.authed(p.whoami))
	p.mux.HandleFunc("GET /admin/cars", p.authed(p.listCars))
	p.mux.HandleFunc("POST /admin/cars", p.authed(p.createCar))
	p.mux.HandleFunc("GET /admin/cars/{id}", p.authed(p.getCar))
	p.mux.HandleFunc("PUT /admin/cars/{id}", p.authed(p.updateCar))
	p.mux.HandleFunc("DELETE /admin/cars/{id}", p.authed(p.deleteCar))
	p.mux.HandleFunc("GET /admin/guilds", p.authed(p.listGuilds))
	p.mux.HandleFunc("POST /admin/guilds", p.authed(p.createGuild))
	p.mux.HandleFunc("DELETE /admin/guilds/{id}", p.authed(p.deleteGuild))
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type recorder struct {
	http.ResponseWriter
	code int
}

func (r *recorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (p *Panel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", "*")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		p.metrics.PanelRequests.WithLabelValues("preflight", strconv.Itoa(http.StatusNoContent)).Inc()
		return
	}
	rec := &recorder{ResponseWriter: w, code: http.StatusOK}
	p.mux.ServeHTTP(rec, r)
	route := r.Pattern
	if route == "" || route == "/" {
		route = "unmatched"
	}
	p.metrics.PanelRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
}

type errorBody struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, errorBody{Status: code, Error: fmt.Sprintf(format, args...)})
}

// fail replies 404 for missing records and 500, logged with its stack,
// for everything else.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	log.Println(carfigures.StackTrace(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: %v", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type identity struct {
	Username string `json:"username"`
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", carfigures.WithStack(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (p *Panel) login(w http.ResponseWriter, r *http.Request) {
	creds := &credentials{}
	if !decode(w, r, creds) {
		return
	}
	audit := storage.AuditLogin{User: creds.Username, Remote: r.RemoteAddr, Surface: "panel"}
	if wait := p.throttle.Wait(creds.Username); wait > 0 {
		p.store.AuditLog(r.Context(), "LOGIN_THROTTLED", audit)
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))
		writeError(w, http.StatusTooManyRequests, "too many failed logins, retry in %v", wait.Round(time.Second))
		return
	}
	admin, err := p.store.LoadAdmin(r.Context(), creds.Username)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fail(w, r, err)
		return
	}
	if admin == nil || !crypto.VerifyPassword(creds.Password, admin.PasswordHash) {
		p.throttle.Fail(creds.Username)
		p.store.AuditLog(r.Context(), "LOGIN_FAILED", audit)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	token, err := newToken()
	if err != nil {
		fail(w, r, err)
		return
	}
	p.throttle.Clear(admin.Username)
	p.sessions.Set(token, admin.Username, 0)
	p.store.AuditLog(storage.SetActor(r.Context(), admin.Username), "LOGIN", audit)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, identity{Username: admin.Username})
}

func (p *Panel) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		p.sessions.Invalidate(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   SessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

// authed rejects requests without a live session with 401, and sessions of
// admins that were removed since with 403.
func (p *Panel) authed(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		username, found := p.sessions.Get(cookie.Value)
		if !found {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		if _, err := p.store.LoadAdmin(r.Context(), username); errors.Is(err, os.ErrNotExist) {
			p.sessions.Invalidate(cookie.Value)
			writeError(w, http.StatusForbidden, "admin %q no longer exists", username)
			return
		} else if err != nil {
			fail(w, r, err)
			return
		}
		ctx := storage.SetActor(r.Context(), username)
		f(w, r.WithContext(ctx))
	}
}

func (p *Panel) whoami(w http.ResponseWriter, r *http.Request) {
	username, _ := storage.Actor(r.Context())
	writeJSON(w, http.StatusOK, identity{Username: username})
}

type written[T any] struct {
	Record T      `json:"record"`
	Note   string `json:"note,omitempty"`
}

func (p *Panel) audit(ctx context.Context, table string, id int64, action string) {
	p.store.AuditLog(ctx, "RECORD_CHANGE", storage.AuditRecordChange{Table: table, ID: id, Action: action})
}

func (p *Panel) listCars(w http.ResponseWriter, r *http.Request) {
	cars, err := p.store.LoadCars(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cars)
}

func (p *Panel) getCar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	car, err := p.store.LoadCar(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, car)
}

// validCar replies 400 for invalid input.
func validCar(w http.ResponseWriter, car *structs.Car) bool {
	if err := car.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return false
	}
	return true
}

// conflict replies 409 if err is a uniqueness violation.
func conflict(w http.ResponseWriter, err error) bool {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		writeError(w, http.StatusConflict, "a record with that name already exists")
		return true
	}
	return false
}

func (p *Panel) createCar(w http.ResponseWriter, r *http.Request) {
	car := &structs.Car{Enabled: true}
	if !decode(w, r, car) || !validCar(w, car) {
		return
	}
	car.ID = 0
	car.Created = 0
	if err := p.store.CreateCar(r.Context(), car); conflict(w, err) {
		return
	} else if err != nil {
		fail(w, r, err)
		return
	}
	p.audit(r.Context(), "cars", car.ID, "create")
	writeJSON(w, http.StatusCreated, written[*structs.Car]{Record: car, Note: ReloadNote})
}

func (p *Panel) updateCar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	car, err := p.store.LoadCar(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	if !decode(w, r, car) || !validCar(w, car) {
		return
	}
	car.ID = id
	if err := p.store.UpdateCar(r.Context(), car); conflict(w, err) {
		return
	} else if err != nil {
		fail(w, r, err)
		return
	}
	p.audit(r.Context(), "cars", id, "update")
	writeJSON(w, http.StatusOK, written[*structs.Car]{Record: car, Note: ReloadNote})
}

func (p *Panel) deleteCar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := p.store.DeleteCar(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	p.audit(r.Context(), "cars", id, "delete")
	writeJSON(w, http.StatusOK, written[int64]{Record: id, Note: ReloadNote})
}

func (p *Panel) listGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := p.store.LoadGuilds(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guilds)
}

func (p *Panel) createGuild(w http.ResponseWriter, r *http.Request) {
	guild := &structs.Guild{}
	if !decode(w, r, guild) {
		return
	}
	if strings.TrimSpace(guild.Name) == "" || guild.MemberCount < 0 {
		writeError(w, http.StatusBadRequest, "guilds need a name and a non-negative member count")
		return
	}
	guild.ID = 0
	if err := p.store.CreateGuild(r.Context(), guild); err != nil {
		fail(w, r, err)
		return
	}
	p.audit(r.Context(), "guilds", guild.ID, "create")
	writeJSON(w, http.StatusCreated, written[*structs.Guild]{Record: guild})
}

func (p *Panel) deleteGuild(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := p.store.DeleteGuild(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	p.audit(r.Context(), "guilds", id, "delete")
	writeJSON(w, http.StatusOK, written[int64]{Record: id})
}
