// Package handlers provides HTTP request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/wheelsort/wheelsort/pkg/api/middleware"
	"github.com/wheelsort/wheelsort/pkg/api/response"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

func requestID(r *http.Request) string {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return id
	}
	return "unknown"
}

// decodeJSON reads and validates the request body into v. An empty body
// is accepted when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest,
				fmt.Sprintf("invalid request body: %v", err), requestID(r))
			return false
		}
	}
	if err := validate.Struct(v); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), requestID(r))
		return false
	}
	return true
}

// intParam parses a positive integer URL parameter.
func intParam(w http.ResponseWriter, r *http.Request, name string, min int64) (int64, bool) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < min {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest,
			fmt.Sprintf("invalid %s %q", name, raw), requestID(r))
		return 0, false
	}
	return v, true
}
