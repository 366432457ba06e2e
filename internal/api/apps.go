package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/gantryio/gantry/internal/app"
)

var validate = validator.New()

var appRoutes = routes{
	route{
		"getApps",
		"GET",
		"/apps",
		getApps,
	},
	route{
		"createApp",
		"POST",
		"/apps",
		createApp,
	},
	route{
		"getApp",
		"GET",
		"/apps/{appName}",
		getApp,
	},
	route{
		"removeApp",
		"DELETE",
		"/apps/{appName}",
		removeApp,
	},
	route{
		"deployApp",
		"POST",
		"/apps/{appName}/deploy",
		deployApp,
	},
	route{
		"stopApp",
		"POST",
		"/apps/{appName}/stop",
		stopApp,
	},
	route{
		"getBuildLog",
		"GET",
		"/apps/{appName}/buildlog",
		getBuildLog,
	},
	route{
		"getConsoleLog",
		"GET",
		"/apps/{appName}/consolelog",
		getConsoleLog,
	},
	route{
		"clearLogs",
		"DELETE",
		"/apps/{appName}/logs",
		clearLogs,
	},
}

func getApps(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		statuses := []app.Status{}
		for _, a := range ha.am.GetAll() {
			statuses = append(statuses, a.Status())
		}
		log.Trace("Sending response: ", statuses)
		rend.JSON(w, http.StatusOK, statuses)
	})
}

func createApp(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var appParams struct {
			Name   string `json:"name"`
			GitURL string `json:"giturl" validate:"required"`
		}
		defer r.Body.Close()

		decoder := json.NewDecoder(r.Body)
		err := decoder.Decode(&appParams)
		if err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusBadRequest, httperr{Error: err.Error()})
			return
		}

		if err := validate.Struct(&appParams); err != nil {
			err = errors.Wrap(err, "App creation failed because of invalid input")
			log.Error(err)
			rend.JSON(w, http.StatusExpectationFailed, httperr{Error: err.Error()})
			return
		}

		newApp, err := ha.am.Register(appParams.Name, appParams.GitURL)
		if err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusConflict, httperr{Error: err.Error()})
			return
		}

		rend.JSON(w, http.StatusCreated, newApp.Status())
	})
}

func getApp(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		vars := mux.Vars(r)
		appInstance, err := ha.am.Get(vars["appName"])
		if err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusNotFound, httperr{Error: err.Error()})
			return
		}

		rend.JSON(w, http.StatusOK, appInstance.Status())
	})
}

func removeApp(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		vars := mux.Vars(r)
		if _, err := ha.am.Get(vars["appName"]); err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusNotFound, httperr{Error: err.Error()})
			return
		}

		if err := ha.am.Remove(vars["appName"]); err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusInternalServerError, httperr{Error: err.Error()})
			return
		}

		rend.JSON(w, http.StatusOK, nil)
	})
}

// deployApp streams the deployment progress line by line as plain text. The
// response status is committed before the outcome is known, so a failure
// shows up as the final line of the stream.
func deployApp(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		vars := mux.Vars(r)
		appInstance, err := ha.am.Get(vars["appName"])
		if err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusNotFound, httperr{Error: err.Error()})
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		progress := func(line string) {
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}

		if err := appInstance.Update(ha.provider, progress); err != nil {
			log.Error(err)
			progress("Deployment failed: " + err.Error())
		}
	})
}

func stopApp(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		vars := mux.Vars(r)
		appInstance, err := ha.am.Get(vars["appName"])
		if err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusNotFound, httperr{Error: err.Error()})
			return
		}

		if err := appInstance.StopApp(); err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusInternalServerError, httperr{Error: err.Error()})
			return
		}

		rend.JSON(w, http.StatusOK, appInstance.Status())
	})
}

func getBuildLog(ha handlerAccess) http.Handler {
	return appLog(ha, func(a *app.App) string { return a.LatestBuildLog() })
}

func getConsoleLog(ha handlerAccess) http.Handler {
	return appLog(ha, func(a *app.App) string { return a.LatestConsoleLog() })
}

func appLog(ha handlerAccess, snapshot func(*app.App) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		vars := mux.Vars(r)
		appInstance, err := ha.am.Get(vars["appName"])
		if err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusNotFound, httperr{Error: err.Error()})
			return
		}

		rend.Text(w, http.StatusOK, snapshot(appInstance))
	})
}

func clearLogs(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		vars := mux.Vars(r)
		appInstance, err := ha.am.Get(vars["appName"])
		if err != nil {
			log.Error(err)
			rend.JSON(w, http.StatusNotFound, httperr{Error: err.Error()})
			return
		}

		appInstance.ClearLogs()
		rend.JSON(w, http.StatusOK, nil)
	})
}
