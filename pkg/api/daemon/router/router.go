package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/hellomouse/skipauth/pkg/api"
	"github.com/hellomouse/skipauth/pkg/command"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Backend struct {
	Commands Commands
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
}

type Commands interface {
	Add(username, network string) command.Result
	Remove(username string) command.Result
	List() command.Result
	Reload() command.Result
	Whitelist(username string) command.Result
	WhitelistKey(username, authorizedKey string) command.Result
	Unwhitelist(username string) command.Result
}

func (b *Backend) onError(w http.ResponseWriter, r *http.Request, err error, ec int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ec)
	// it is safe to return the err to the client, because the client is reliable
	e := api.ErrorJSON{
		Message: err.Error(),
	}
	_ = json.NewEncoder(w).Encode(e)
}

func (b *Backend) writeResult(w http.ResponseWriter, r *http.Request, res command.Result, okCode int) {
	cr := api.CommandResult{
		OK:    res.OK,
		Lines: res.Lines,
	}
	if cr.Lines == nil {
		cr.Lines = []string{}
	}
	for _, e := range res.Entries {
		cr.Entries = append(cr.Entries, api.Entry{Username: e.Username, Network: e.Network.String()})
	}
	if res.Profile != nil {
		cr.Profile = &api.Profile{UUID: res.Profile.UUID.String(), Name: res.Profile.Name}
	}
	code := okCode
	if !res.OK {
		cr.Message = strings.Join(res.Lines, "\n")
		code = http.StatusInternalServerError
		if res.IsUserError() {
			code = http.StatusBadRequest
		}
	}
	m, err := json.Marshal(cr)
	if err != nil {
		b.onError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(m)
}

func (b *Backend) GetPing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}\n"))
}

func (b *Backend) GetEntries(w http.ResponseWriter, r *http.Request) {
	b.writeResult(w, r, b.Commands.List(), http.StatusOK)
}

func (b *Backend) PostEntry(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	var req api.AddRequest
	if err := decoder.Decode(&req); err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	b.writeResult(w, r, b.Commands.Add(req.Username, req.Network), http.StatusCreated)
}

func (b *Backend) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	username, ok := mux.Vars(r)["username"]
	if !ok {
		b.onError(w, r, errors.New("username not specified"), http.StatusBadRequest)
		return
	}
	b.writeResult(w, r, b.Commands.Remove(username), http.StatusOK)
}

func (b *Backend) PostReload(w http.ResponseWriter, r *http.Request) {
	b.writeResult(w, r, b.Commands.Reload(), http.StatusOK)
}

func (b *Backend) PostWhitelist(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	var req api.WhitelistRequest
	if err := decoder.Decode(&req); err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.PublicKey != "" {
		b.writeResult(w, r, b.Commands.WhitelistKey(req.Username, req.PublicKey), http.StatusOK)
		return
	}
	b.writeResult(w, r, b.Commands.Whitelist(req.Username), http.StatusOK)
}

func (b *Backend) DeleteWhitelist(w http.ResponseWriter, r *http.Request) {
	username, ok := mux.Vars(r)["username"]
	if !ok {
		b.onError(w, r, errors.New("username not specified"), http.StatusBadRequest)
		return
	}
	b.writeResult(w, r, b.Commands.Unwhitelist(username), http.StatusOK)
}

func AddRoutes(r *mux.Router, b *Backend) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Path("/ping").Methods("GET").HandlerFunc(b.GetPing)
	v1.Path("/entries").Methods("GET").HandlerFunc(b.GetEntries)
	v1.Path("/entries").Methods("POST").HandlerFunc(b.PostEntry)
	v1.Path("/entries/{username}").Methods("DELETE").HandlerFunc(b.DeleteEntry)
	v1.Path("/reload").Methods("POST").HandlerFunc(b.PostReload)
	v1.Path("/whitelist").Methods("POST").HandlerFunc(b.PostWhitelist)
	v1.Path("/whitelist/{username}").Methods("DELETE").HandlerFunc(b.DeleteWhitelist)
	if b.Gatherer != nil {
		r.Path("/metrics").Methods("GET").Handler(promhttp.HandlerFor(b.Gatherer, promhttp.HandlerOpts{}))
	}
}
