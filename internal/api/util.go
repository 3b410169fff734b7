package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/org/passvault/internal/autherr"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeData(w http.ResponseWriter, code int, v any) {
	writeJSON(w, code, map[string]any{"data": v})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return autherr.New(autherr.KindBadRequest, "invalid request body")
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q],"code":%q}`, msg, kind)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k autherr.Kind) int {
	switch k {
	case autherr.KindInvalidCredentials, autherr.KindTokenExpired, autherr.KindTokenInvalid,
		autherr.KindTokenNotProvided, autherr.KindInvalidCode:
		return http.StatusUnauthorized
	case autherr.KindUserNotFound, autherr.KindNotFound:
		return http.StatusNotFound
	case autherr.KindForbidden:
		return http.StatusForbidden
	case autherr.KindConflict:
		return http.StatusConflict
	case autherr.KindBadRequest:
		return http.StatusBadRequest
	case autherr.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeErr renders err with the status its kind maps to. Unclassified errors
// are logged and hidden behind a generic message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	writeErrStatus(w, r, err, 0)
}

// writeErrStatus is writeErr with the status forced when code is non-zero.
func writeErrStatus(w http.ResponseWriter, r *http.Request, err error, code int) {
	var ae *autherr.Error
	if !errors.As(err, &ae) {
		if errors.Is(err, context.DeadlineExceeded) {
			ae = autherr.Wrap(autherr.KindUnavailable, autherr.ErrUnavailable.Msg, err)
		} else {
			log.Error().Err(err).
				Str("request_id", requestIDFromCtx(r.Context())).
				Str("path", r.URL.Path).
				Msg("request failed")
			writeError(w, http.StatusInternalServerError, autherr.KindUnknown.String(), "Internal server error")
			return
		}
	}
	if code == 0 {
		code = statusFor(ae.Kind)
	}
	if ae.Kind == autherr.KindUnavailable {
		if ae.Err != nil {
			log.Warn().Err(ae.Err).Str("path", r.URL.Path).Msg("backend unavailable")
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeError(w, code, ae.Kind.String(), ae.Msg)
}

const retryAfterSeconds = 1
