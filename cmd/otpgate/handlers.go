package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/freshcart/otpgate/internal/directory"
	"github.com/freshcart/otpgate/internal/otp"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/go-chi/chi/v5"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type otpResp struct {
	Identity    string         `json:"identity"`
	Purpose     models.Purpose `json:"purpose"`
	TTL         float64        `json:"ttl_seconds"`
	MaxAttempts int            `json:"max_attempts"`
}

type attemptsResp struct {
	AttemptsLeft int `json:"attempts_left"`
}

// handleGetProviders returns the list of available message providers.
func handleGetProviders(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	sendResponse(w, []string{app.provider.ID()})
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleIssueOTP checks the purpose's preconditions for the identity and
// sends it a new code.
func handleIssueOTP(w http.ResponseWriter, r *http.Request) {
	issueOTP(w, r, false)
}

// handleResendOTP is handleIssueOTP that always replaces a live code.
func handleResendOTP(w http.ResponseWriter, r *http.Request) {
	issueOTP(w, r, true)
}

func issueOTP(w http.ResponseWriter, r *http.Request, resend bool) {
	var (
		app      = r.Context().Value("app").(*App)
		identity = models.NormalizeIdentity(r.FormValue("identity"))
	)

	purpose, ok := getPurpose(w, r)
	if !ok {
		return
	}

	if identity == "" {
		sendErrorResponse(w, "Invalid `identity`.", http.StatusBadRequest, nil)
		return
	}
	if err := app.provider.ValidateAddress(identity); err != nil {
		sendErrorResponse(w, fmt.Sprintf("Invalid `identity`: %v", err), http.StatusBadRequest, nil)
		return
	}

	// Purpose preconditions.
	if err := app.dir.Check(r.Context(), purpose, identity); err != nil {
		switch {
		case errors.Is(err, directory.ErrRegistered):
			sendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		case errors.Is(err, directory.ErrUnknown):
			sendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
		default:
			app.lo.Error("error checking directory", "error", err, "purpose", purpose)
			sendErrorResponse(w, "Error checking identity.", http.StatusInternalServerError, nil)
		}
		return
	}

	var err error
	if resend {
		err = app.otp.Resend(r.Context(), identity, purpose)
	} else {
		err = app.otp.Issue(r.Context(), identity, purpose)
	}
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	app.lo.Info("code sent", "client", r.Context().Value("client"), "identity", identity, "purpose", purpose, "resend", resend)
	sendResponse(w, otpResp{
		Identity:    identity,
		Purpose:     purpose,
		TTL:         app.otp.TTL().Seconds(),
		MaxAttempts: app.otp.MaxAttempts(),
	})
}

// handleVerifyOTP verifies a code. A correct code is consumed.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app      = r.Context().Value("app").(*App)
		identity = r.FormValue("identity")
		code     = strings.TrimSpace(r.FormValue("otp"))
	)

	purpose, ok := getPurpose(w, r)
	if !ok {
		return
	}

	if code == "" {
		sendErrorResponse(w, "Empty `otp`.", http.StatusBadRequest, nil)
		return
	}

	res, err := app.otp.Verify(r.Context(), identity, purpose, code)
	if err != nil {
		// A superseded code still reports the attempts left on the live one.
		if errors.Is(err, otp.ErrSuperseded) {
			sendErrorResponse(w, err.Error(), http.StatusNotFound, res)
			return
		}
		sendOTPError(app, w, err)
		return
	}

	if !res.Valid {
		sendErrorResponse(w, "Incorrect code.", http.StatusBadRequest, res)
		return
	}

	sendResponse(w, res)
}

// handleGetAttempts returns the number of verification attempts left.
func handleGetAttempts(w http.ResponseWriter, r *http.Request) {
	var (
		app      = r.Context().Value("app").(*App)
		identity = r.URL.Query().Get("identity")
	)

	purpose, ok := getPurpose(w, r)
	if !ok {
		return
	}

	n, err := app.otp.AttemptsRemaining(r.Context(), identity, purpose)
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, attemptsResp{AttemptsLeft: n})
}

// getPurpose parses the purpose in the URI, responding with an error if it's invalid.
func getPurpose(w http.ResponseWriter, r *http.Request) (models.Purpose, bool) {
	p, err := models.ParsePurpose(chi.URLParam(r, "purpose"))
	if err != nil {
		sendErrorResponse(w, "Unknown purpose.", http.StatusBadRequest, nil)
		return "", false
	}
	return p, true
}

// sendOTPError maps Manager errors to HTTP responses.
func sendOTPError(app *App, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, otp.ErrInvalidIdentity), errors.Is(err, otp.ErrInvalidPurpose):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, otp.ErrRateLimited):
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, nil)
	case errors.Is(err, otp.ErrConflict):
		sendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, otp.ErrNotFound):
		sendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, otp.ErrExpired):
		sendErrorResponse(w, err.Error(), http.StatusGone, nil)
	case errors.Is(err, otp.ErrLocked):
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, models.Result{})
	case errors.Is(err, otp.ErrNotificationFailed):
		sendErrorResponse(w, "Error sending code.", http.StatusBadGateway, nil)
	default:
		app.lo.Error("error processing code", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
	}
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// auth is a simple authentication middleware.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(strings.Trim(h[len(authBasic):], " "))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			client = string(pair[0])
			secret = pair[1]
		)
		s, ok := authMap[client]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), "client", client)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
