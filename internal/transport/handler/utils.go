package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// formFields maps ingest.Params fields to the upload form keys.
var formFields = map[string]string{
	"OwnerID": "ownerId",
	"Caption": "caption",
}

func writeMultipartError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge), strings.Contains(err.Error(), "request body too large"):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
	case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
		writeJSONError(w, "invalid content type, expected multipart/form-data", http.StatusBadRequest)
	default:
		writeJSONError(w, "malformed multipart body: "+err.Error(), http.StatusBadRequest)
	}
}

// validationErrorsToMap keys each failed constraint by its form field.
func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs["error"] = err.Error()
		return errs
	}
	for _, e := range verrs {
		field, ok := formFields[e.Field()]
		if !ok {
			field = e.Field()
		}
		switch e.Tag() {
		case "required":
			errs[field] = "is required"
		case "max":
			errs[field] = "must be at most " + e.Param() + " characters"
		default:
			errs[field] = "invalid value"
		}
	}
	return errs
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(APIError{
		Error: message,
		Code:  code,
	})
}
