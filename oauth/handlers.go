package oauth

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/internal/logger"
)

// StateCookieName holds the state of the authorization request in flight.
const StateCookieName = "oauthstate"

// CallbackURLCookieName remembers where to send the user after the callback.
const CallbackURLCookieName = "oauthCallbackURL"

// ResultHandler renders the outcome of a callback.
type ResultHandler func(w http.ResponseWriter, r *http.Request, res *kb.AuthResult)

// Redirector starts an authorization request with provider and redirects to
// the consent page. A callbackURL query parameter is remembered in a short
// lived cookie.
func (p *Plugin) Redirector(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, state, err := p.Start(provider)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if callbackURL := r.URL.Query().Get("callbackURL"); callbackURL != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     CallbackURLCookieName,
				Value:    callbackURL,
				Path:     "/",
				Expires:  time.Now().Add(p.StateTTL),
				MaxAge:   120, // keep this short
				HttpOnly: true,
			})
		}
		http.SetCookie(w, &http.Cookie{
			Name:     StateCookieName,
			Value:    state,
			Path:     "/",
			Expires:  time.Now().Add(p.StateTTL),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler checks the returned state against the state cookie, redeems
// the code and hands the result to done.
func (p *Plugin) CallbackHandler(signup bool, done ResultHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		oauthState, _ := r.Cookie(StateCookieName)
		if oauthState == nil {
			http.Error(w, "OauthState is nil", http.StatusBadRequest)
			return
		}
		// state is single use either way
		http.SetCookie(w, &http.Cookie{Name: StateCookieName, Path: "/", MaxAge: -1})
		if r.FormValue("state") != oauthState.Value {
			logger.Log.Info("oauth state mismatch")
			http.Error(w, "invalid oauth state", http.StatusBadRequest)
			return
		}
		if errParam := r.FormValue("error"); errParam != "" {
			done(w, r, kb.FailedResult(kb.MethodOAuth,
				kb.NewAuthError(kb.KindAuthentication, kb.ErrCodeSignatureFailed, "provider denied authorization: "+errParam, nil)))
			return
		}

		var res *kb.AuthResult
		if signup {
			res = p.SignUpWithCode(r.Context(), oauthState.Value, r.FormValue("code"))
		} else {
			res = p.LoginWithCode(r.Context(), oauthState.Value, r.FormValue("code"))
		}
		if !res.Success {
			logger.Log.Info("oauth callback failed", zap.String("error", res.Error))
		}
		done(w, r, res)
	}
}
