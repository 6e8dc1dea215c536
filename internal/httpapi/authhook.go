package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/ljn0099/picoWeatherCollector/internal/utils"
)

// BrokerHooks answers the broker's authentication and ACL questions.
type BrokerHooks interface {
	Authenticate(ctx context.Context, identity, credential string) bool
	Authorize(identity, topic string) bool
}

// ServiceAccount is the collector's own broker login. It is a superuser:
// it must subscribe to every station's data topic.
type ServiceAccount struct {
	Username string
	Password string
}

func (s ServiceAccount) enabled() bool {
	return s.Username != ""
}

func (s ServiceAccount) is(username string) bool {
	return s.enabled() && username == s.Username
}

func (s ServiceAccount) matches(username, password string) bool {
	if !s.is(username) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.Password)) == 1
}

// authHook implements the HTTP auth backend contract shared by
// mosquitto-go-auth and EMQX: 200 allows, anything else denies.
type authHook struct {
	hooks   BrokerHooks
	service ServiceAccount
	logger  *slog.Logger
}

func (a *authHook) handleAuth(w http.ResponseWriter, r *http.Request) {
	fields, err := utils.ReadFields(r, "username", "password")
	if err != nil {
		a.logger.Debug("auth hook: unreadable body", "error", err)
		deny(w)
		return
	}
	username := fields["username"]
	if a.service.is(username) {
		// The service name never reaches the station gate, even with a
		// wrong password.
		if !a.service.matches(username, fields["password"]) {
			a.logger.Warn("auth hook: service account rejected", "username", username)
			deny(w)
			return
		}
		allow(w)
		return
	}
	if !a.hooks.Authenticate(r.Context(), username, fields["password"]) {
		deny(w)
		return
	}
	allow(w)
}

func (a *authHook) handleACL(w http.ResponseWriter, r *http.Request) {
	fields, err := utils.ReadFields(r, "username", "topic", "acc")
	if err != nil {
		a.logger.Debug("acl hook: unreadable body", "error", err)
		deny(w)
		return
	}
	if a.service.is(fields["username"]) {
		allow(w)
		return
	}
	if !a.hooks.Authorize(fields["username"], fields["topic"]) {
		a.logger.Debug("acl denied", "station_id", fields["username"], "topic", fields["topic"], "acc", fields["acc"])
		deny(w)
		return
	}
	allow(w)
}

// Only the service account is a superuser; stations never are.
func (a *authHook) handleSuperuser(w http.ResponseWriter, r *http.Request) {
	fields, err := utils.ReadFields(r, "username")
	if err != nil || !a.service.is(fields["username"]) {
		deny(w)
		return
	}
	allow(w)
}

func allow(w http.ResponseWriter) {
	utils.WriteJSON(w, http.StatusOK, map[string]string{"result": "allow"})
}

func deny(w http.ResponseWriter) {
	utils.WriteJSON(w, http.StatusForbidden, map[string]string{"result": "deny"})
}

func registerAuthHook(mux *http.ServeMux, hooks BrokerHooks, service ServiceAccount, logger *slog.Logger) {
	a := &authHook{hooks: hooks, service: service, logger: logger}
	mux.HandleFunc("POST /mqtt/auth", a.handleAuth)
	mux.HandleFunc("POST /mqtt/acl", a.handleACL)
	mux.HandleFunc("POST /mqtt/superuser", a.handleSuperuser)
}
