// internal/handlers/respond.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/sirupsen/logrus"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("failed to encode response: %v", err)
	}
}

// writeError maps err to its status code. Unclassified errors are logged and hidden.
func (gs *GameServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := apperr.Message(err)
	if status == http.StatusInternalServerError {
		gs.Logger.WithField("path", r.URL.Path).Errorf("unhandled error: %v", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Detail: msg})
}
