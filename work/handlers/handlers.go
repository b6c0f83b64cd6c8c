package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"xtream-gate/work/auth"
	"xtream-gate/work/logger"
	"xtream-gate/work/proxy"
	"xtream-gate/work/security"
	"xtream-gate/work/xtream"

	"github.com/gorilla/mux"
)

// fixed client-facing messages for upstream failures
const (
	msgLoginUnreachable = "xtream API unreachable"
	msgLiveFailed       = "failed to fetch live streams"
	msgPlayFailed       = "failed to build play URL"
	msgStreamFailed     = "failed to proxy stream"
	msgAccountFailed    = "failed to fetch account info"
	msgBadBody          = "invalid JSON body"
	msgBodyTooLarge     = "request body too large"
)

// HandleLogin opens a session for valid upstream credentials.
func HandleLogin(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proxy.LoginRequest
		if !decodeBody(w, r, &req) {
			return
		}

		resp, err := sp.Login(r.Context(), req)
		if err != nil {
			writeMappedError(w, err, msgLoginUnreachable)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleLogout destroys the caller's session.
func HandleLogout(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		sp.Logout(id.SessionID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleLive relays the live channel list as returned by the upstream.
func HandleLive(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		body, err := sp.Live(r.Context(), id.Credentials)
		if err != nil {
			writeMappedError(w, err, msgLiveFailed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body); err != nil {
			logger.Debug("{handlers - HandleLive} write failed: %v", err)
		}
	}
}

// HandlePlay returns the obfuscated playback URL for a stream.
func HandlePlay(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		resp, err := sp.Play(id.Credentials, proxy.PlayRequest{
			StreamID:  mux.Vars(r)["streamId"],
			SessionID: id.SessionID,
			Secure:    IsSecure(r),
			Host:      r.Host,
		})
		if err != nil {
			writeMappedError(w, err, msgPlayFailed)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleStream relays the live playlist bytes.
func HandleStream(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		if err := sp.Stream(w, r, id.Credentials, mux.Vars(r)["streamId"]); err != nil {
			writeMappedError(w, err, msgStreamFailed)
		}
	}
}

// HandleEPG returns the guide of one stream. It always answers 200.
func HandleEPG(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sp.EPG(r.Context(), id.Credentials, mux.Vars(r)["streamId"], wantsRefresh(r)))
	}
}

// HandleEPGBatch returns the guides of up to the configured number of streams.
func HandleEPGBatch(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeBodyError(w, err)
			return
		}
		ids, err := proxy.ParseBatchIDs(body)
		if err != nil {
			writeMappedError(w, err, msgBadBody)
			return
		}
		resp, err := sp.EPGBatch(r.Context(), id.Credentials, ids, wantsRefresh(r))
		if err != nil {
			writeMappedError(w, err, "failed to fetch EPG batch")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleAccount returns the upstream account summary.
func HandleAccount(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		acct, err := sp.Account(r.Context(), id.Credentials)
		if err != nil {
			writeMappedError(w, err, msgAccountFailed)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	}
}

// HandleCacheStats reports the EPG cache contents.
func HandleCacheStats(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}
		writeJSON(w, http.StatusOK, sp.CacheStats())
	}
}

// IsSecure reports whether the browser reached us over HTTPS, directly or
// through a TLS-terminating reverse proxy.
func IsSecure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func wantsRefresh(r *http.Request) bool {
	return r.URL.Query().Get("refresh") == "true"
}

func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
	}
	return id, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBodyError(w, err)
		return false
	}
	return true
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
		return
	}
	WriteError(w, http.StatusBadRequest, msgBadBody)
}

// StatusFor maps a service error to its HTTP status and the message that is
// safe to show. fallback replaces the text of anything not client-caused.
func StatusFor(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, security.ErrInvalidRequest),
		errors.Is(err, security.ErrInvalidURL),
		errors.Is(err, security.ErrUnsupportedScheme),
		errors.Is(err, security.ErrPrivateAddress):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, xtream.ErrInvalidCredentials):
		return http.StatusUnauthorized, xtream.ErrInvalidCredentials.Error()
	default:
		return http.StatusInternalServerError, fallback
	}
}

func writeMappedError(w http.ResponseWriter, err error, fallback string) {
	status, msg := StatusFor(err, fallback)
	if status >= http.StatusInternalServerError {
		logger.Error("{handlers - writeMappedError} %s: %v", fallback, err)
	}
	WriteError(w, status, msg)
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("{handlers - writeJSON} encode failed: %v", err)
	}
}

// WriteError writes {"error": msg}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
