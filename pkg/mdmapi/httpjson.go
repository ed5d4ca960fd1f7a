package mdmapi

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/flexsim/pkg/apierr"
)

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondOK(w http.ResponseWriter, payload any) {
	respond(w, http.StatusOK, payload)
}

func respondError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	respond(w, apierr.HTTPStatus(kind), map[string]string{
		"status":  "error",
		"error":   string(kind),
		"message": err.Error(),
	})
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apierr.New(apierr.InvalidArgument, "invalid request body: %v", err)
	}
	return nil
}
