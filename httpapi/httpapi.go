// Package httpapi implements the HTTP ingress routes the supervisor exposes
// to the (already-authenticated) front end (spec §6). Routing is a plain
// net/http ServeMux dispatch table, following the pattern the rest of this
// codebase's host-agent ancestry uses for its own HTTP surface: no router
// dependency is wired because every example in the retrieval pack that
// touches HTTP does so with the standard library too.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/ctrlhost/pluginsup"
	"github.com/ctrlhost/pluginsup/logsink"
)

var (
	errMissingValue    = errors.New("httpapi: kv set requires a value")
	errUnknownKVAction = errors.New("httpapi: unknown kv action")
)

// PluginView is the status payload returned by the listing/detail routes.
type PluginView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Author  string `json:"author,omitempty"`
	Icon    string `json:"icon,omitempty"`
	Route   string `json:"route"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

func toView(p *pluginsup.PluginProcess) PluginView {
	v := PluginView{ID: p.ID, Enabled: p.Enabled, Running: p.Running(), PID: p.PID()}
	if p.Metadata != nil {
		v.Name = p.Metadata.Name
		v.Version = p.Metadata.Version
		v.Author = p.Metadata.Author
		v.Icon = p.Metadata.Icon
		v.Route = p.Metadata.Route
	}
	return v
}

// hopByHopHeaders are stripped when forwarding request/response headers
// (spec §4.5: "Headers are copied verbatim except for hop-by-hop fields").
var hopByHopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Authenticate": true,
	"Proxy-Authorization": true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// Handler builds the supervisor's HTTP mux, mounted under mount (e.g.
// "/plugins").
func Handler(sup *pluginsup.Supervisor, mount string, logger hclog.Logger) http.Handler {
	h := &handler{sup: sup, mount: strings.TrimSuffix(mount, "/"), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc(h.mount+"/", h.route)
	return mux
}

type handler struct {
	sup    *pluginsup.Supervisor
	mount  string
	logger hclog.Logger
}

func (h *handler) route(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, h.mount)
	path = strings.TrimPrefix(path, "/")

	switch {
	case path == "" && r.Method == http.MethodGet:
		h.listPlugins(w, r)
	case strings.HasPrefix(path, "route/"):
		h.forwardRoute(w, r, strings.TrimPrefix(path, "route/"))
	default:
		h.dispatchPluginPath(w, r, path)
	}
}

// dispatchPluginPath handles every "/<mount>/{id}..." route.
func (h *handler) dispatchPluginPath(w http.ResponseWriter, r *http.Request, path string) {
	segments := strings.SplitN(path, "/", 2)
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	sub := ""
	if len(segments) == 2 {
		sub = segments[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		h.pluginDetail(w, r, id)
	case sub == "enable" && r.Method == http.MethodPost:
		h.enablePlugin(w, r, id)
	case sub == "disable" && r.Method == http.MethodPost:
		h.disablePlugin(w, r, id)
	case sub == "bundle.js" && r.Method == http.MethodGet:
		h.bundle(w, r, id)
	case sub == "logs" && r.Method == http.MethodGet:
		h.logs(w, r, id)
	case sub == "kv" && r.Method == http.MethodPost:
		h.kv(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *handler) listPlugins(w http.ResponseWriter, r *http.Request) {
	plugins := h.sup.Plugins()
	views := make([]PluginView, 0, len(plugins))
	for _, p := range plugins {
		views = append(views, toView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) pluginDetail(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := h.sup.Plugin(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, toView(p))
}

func (h *handler) enablePlugin(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.sup.Enable(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) disablePlugin(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.sup.Disable(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) bundle(w http.ResponseWriter, r *http.Request, id string) {
	path := h.sup.PluginBundlePath(id)
	if path == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func (h *handler) logs(w http.ResponseWriter, r *http.Request, id string) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	minLevel := logsink.ParseLevel(query.Get("level"))

	entries, err := h.sup.Logs(id, minLevel, page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// kvRequestBody is the POST /<mount>/{id}/kv request shape (spec §6).
type kvRequestBody struct {
	Action string  `json:"action"`
	Key    string  `json:"key"`
	Value  *string `json:"value,omitempty"`
}

func (h *handler) kv(w http.ResponseWriter, r *http.Request, id string) {
	var body kvRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch body.Action {
	case "get":
		value, found, err := h.sup.KVGet(id, body.Key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": value})
	case "set":
		if body.Value == nil {
			writeError(w, http.StatusBadRequest, errMissingValue)
			return
		}
		if err := h.sup.KVSet(id, body.Key, *body.Value); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "delete":
		if err := h.sup.KVDelete(id, body.Key); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusBadRequest, errUnknownKVAction)
	}
}

// forwardRoute implements "ANY /<mount>/route/<plugin-route>/<remainder>"
// (spec §4.5, §6): split on the first segment, look up the owning plugin,
// and forward method/headers/body verbatim.
func (h *handler) forwardRoute(w http.ResponseWriter, r *http.Request, path string) {
	segments := strings.SplitN(path, "/", 2)
	routeSegment := segments[0]
	if routeSegment == "" || strings.Contains(routeSegment, "..") {
		http.NotFound(w, r)
		return
	}
	remainder := ""
	if len(segments) == 2 {
		remainder = segments[1]
	}

	id, ok := h.sup.RouteLookup(routeSegment)
	if !ok {
		http.NotFound(w, r)
		return
	}

	forwardPath := "/" + remainder
	if r.URL.RawQuery != "" {
		forwardPath += "?" + r.URL.RawQuery
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if hopByHopHeaders[k] || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}

	var bodyStr *string
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if len(data) > 0 {
			s := string(data)
			bodyStr = &s
		}
	}

	resp, err := h.sup.ForwardHTTP(id, r.Method, forwardPath, headers, bodyStr)
	if err != nil {
		writeError(w, forwardErrorStatus(err), err)
		return
	}

	for k, v := range resp.Headers {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != nil {
		_, _ = w.Write([]byte(*resp.Body))
	}
}

// forwardErrorStatus maps a forwarded-request failure to the HTTP status
// spec §7 assigns its error kind, when the route path raised a
// *pluginsup.SupervisorError; anything else defaults to BadGateway.
func forwardErrorStatus(err error) int {
	var supErr *pluginsup.SupervisorError
	if !errors.As(err, &supErr) {
		return http.StatusBadGateway
	}
	switch supErr.Kind {
	case pluginsup.ErrPluginUnavailable:
		return http.StatusNotFound
	case pluginsup.ErrPluginTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
