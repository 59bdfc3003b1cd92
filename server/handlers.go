package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/internal/logger"
	"github.com/panyam/keybridge/oauth"
)

type identifierRequest struct {
	Identifier string `json:"identifier"`
}

type authResponse struct {
	*kb.AuthResult
	Token string `json:"token,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Warn("error writing response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusFor maps an error kind to the HTTP status reported for it.
func statusFor(kind kb.ErrorKind) int {
	switch kind {
	case kb.KindValidation:
		return http.StatusBadRequest
	case kb.KindEnvironment:
		return http.StatusServiceUnavailable
	case kb.KindSecurity:
		return http.StatusForbidden
	case kb.KindTimeout:
		return http.StatusGatewayTimeout
	case kb.KindAccountConflict:
		return http.StatusConflict
	default:
		return http.StatusUnauthorized
	}
}

// readIdentifier accepts a JSON body or an "identifier" form value.
func readIdentifier(r *http.Request) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req identifierRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return ""
		}
		return strings.TrimSpace(req.Identifier)
	}
	return strings.TrimSpace(r.FormValue("identifier"))
}

func (s *Server) onLogin(signup bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["method"]
		plugin, ok := s.methodPlugin(name)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown auth method: "+name)
			return
		}
		identifier := readIdentifier(r)
		var res *kb.AuthResult
		if signup {
			res = plugin.SignUp(r.Context(), identifier)
		} else {
			res = plugin.Login(r.Context(), identifier)
		}
		s.writeAuthResult(w, r, res)
	}
}

func (s *Server) writeAuthResult(w http.ResponseWriter, r *http.Request, res *kb.AuthResult) {
	if !res.Success {
		writeJSON(w, statusFor(res.Kind), authResponse{AuthResult: res})
		return
	}
	token, err := s.issueToken(r.Context(), res)
	if err != nil {
		logger.Log.Error("error issuing session token", zap.String("username", res.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not issue session token")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{AuthResult: res, Token: token})
}

func (s *Server) onOneshot(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["method"]
	plugin, ok := s.methodPlugin(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown auth method: "+name)
		return
	}
	res := plugin.SetupConsistentOneshotSigning(r.Context(), readIdentifier(r))
	if !res.Success {
		writeJSON(w, statusFor(res.Kind), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) onConsistency(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["method"]
	plugin, ok := s.methodPlugin(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown auth method: "+name)
		return
	}
	q := r.URL.Query()
	check, err := plugin.VerifyConsistency(q.Get("identifier"), q.Get("pub"))
	if err != nil {
		writeJSON(w, statusFor(kb.KindOf(err)), map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": check.Consistent, "error": "", "consistency": check})
}

func (s *Server) onPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "error": "", "plugins": s.Core.Registrations()})
}

func (s *Server) onMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "error": "", "identity": IdentityFromRequest(r)})
}

func (s *Server) onLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.Destroy(r.Context()); err != nil {
		logger.Log.Warn("error clearing session", zap.Error(err))
	}
	http.SetCookie(w, &http.Cookie{
		Name:   s.AuthTokenSessionVar,
		Path:   "/",
		MaxAge: -1,
	})
	if to := r.URL.Query().Get("to"); isLocalRedirect(to) {
		http.Redirect(w, r, to, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "error": ""})
}

func (s *Server) onOAuthStart(w http.ResponseWriter, r *http.Request) {
	plugin, ok := s.oauthPlugin()
	if !ok {
		writeError(w, http.StatusNotFound, "oauth is not enabled")
		return
	}
	plugin.Redirector(mux.Vars(r)["provider"]).ServeHTTP(w, r)
}

func (s *Server) onOAuthCallback(w http.ResponseWriter, r *http.Request) {
	plugin, ok := s.oauthPlugin()
	if !ok {
		writeError(w, http.StatusNotFound, "oauth is not enabled")
		return
	}
	plugin.CallbackHandler(r.FormValue("signup") == "1", s.oauthDone).ServeHTTP(w, r)
}

// oauthDone finishes a callback: JSON on failure or when there is nowhere to
// go, otherwise a redirect to the remembered callback URL.
func (s *Server) oauthDone(w http.ResponseWriter, r *http.Request, res *kb.AuthResult) {
	target := s.DefaultRedirectURL
	if c, _ := r.Cookie(oauth.CallbackURLCookieName); c != nil && c.Value != "" {
		target = c.Value
		http.SetCookie(w, &http.Cookie{Name: oauth.CallbackURLCookieName, Path: "/", MaxAge: -1})
	}
	if !res.Success || !isLocalRedirect(target) {
		s.writeAuthResult(w, r, res)
		return
	}
	if _, err := s.issueToken(r.Context(), res); err != nil {
		logger.Log.Error("error issuing session token", zap.String("username", res.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not issue session token")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// isLocalRedirect accepts only same-site paths.
func isLocalRedirect(target string) bool {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return false
	}
	u, err := url.Parse(target)
	return err == nil && u.Host == "" && u.Scheme == ""
}
