package api

import (
	"net/http"
)

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.eng.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
