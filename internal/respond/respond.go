// Package respond writes JSON responses for the API handlers.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/sirupsen/logrus"
)

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// Error logs err and writes its kind's status with {"error": message} plus any
// caller-visible details. The cause is never sent.
func Error(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	kind := apperr.KindOf(err)
	body := map[string]any{}
	for k, v := range apperr.DetailsOf(err) {
		body[k] = v
	}
	body["error"] = kind.Message()

	entry := log.WithError(err).WithField("kind", kind.String())
	if kind.Status() >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}

	JSON(w, kind.Status(), body)
}
