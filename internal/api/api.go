package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"

	"github.com/gantryio/gantry/internal/app"
	"github.com/gantryio/gantry/internal/config"
	"github.com/gantryio/gantry/internal/util"
)

var log = util.GetLogger("api")
var gconfig = config.Get()
var rend = render.New(render.Options{IndentJSON: true})

type httperr struct {
	Error string `json:"error"`
}

type route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc func(handlerAccess) http.Handler
}

type handlerAccess struct {
	am       *app.Manager
	provider app.RunnerProvider
}

type routes []route

func applyAPIroutes(ha handlerAccess, r *mux.Router, routes routes) *mux.Router {
	for _, route := range routes {
		r.Methods(route.Method).Path(route.Pattern).Name(route.Name).Handler(route.HandlerFunc(ha))
	}
	return r
}

func createAPIrouter(ha handlerAccess, r *mux.Router) *mux.Router {
	apiRouter := mux.NewRouter().PathPrefix("/api/v1").Subrouter().StrictSlash(true)
	r.PathPrefix("/api/v1").Handler(apiRouter)
	return apiRouter
}

// Handler assembles the full API handler. Exposed separately from Websrv so
// tests can drive it through httptest.
func Handler(am *app.Manager, provider app.RunnerProvider) http.Handler {
	ha := handlerAccess{am: am, provider: provider}
	if ha.am == nil || ha.provider == nil {
		log.Panic("Failed to create web server: none of the inputs can be nil")
	}

	mainRtr := mux.NewRouter().StrictSlash(true)
	apiRouter := createAPIrouter(ha, mainRtr)
	applyAPIroutes(ha, apiRouter, appRoutes)

	n := negroni.New()
	n.Use(negroni.HandlerFunc(HTTPLogger))
	n.UseHandler(mainRtr)
	return n
}

// Websrv starts the HTTP server that exposes all the application
// functionality and blocks until quit is closed
func Websrv(quit chan bool, am *app.Manager, provider app.RunnerProvider) {
	handler := Handler(am, provider)

	httpport := strconv.Itoa(gconfig.HTTPport)
	srv := &http.Server{
		Addr:           ":" + httpport,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	log.Infof("Starting API webserver on '%s'", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if strings.Contains(err.Error(), "Server closed") {
				log.Info("API webserver terminated successfully")
			} else {
				log.Errorf("API webserver died with error: %s", err.Error())
			}
		}
	}()

	<-quit
	log.Info("Shutting down API webserver")
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Errorf("Something went wrong while shutting down the API webserver: %s", err.Error())
	}
}
