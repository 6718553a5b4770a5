package httpapi

import (
	"net/http"

	"github.com/dmitrijs2005/chatgate/internal/server/services"
	"github.com/dmitrijs2005/chatgate/internal/server/validation"
)

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type meResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body validation.RegisterRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := validation.Check(body); err != nil {
		r.writeError(w, req, err)
		return
	}

	_, err := r.users.Register(req.Context(), services.RegisterInput{
		InviteCode: body.InviteCode,
		Email:      body.Email,
		Password:   body.Password,
		ZulipEmail: body.ZulipEmail,
		ZulipToken: body.ZulipToken,
	})
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var body validation.LoginRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := validation.Check(body); err != nil {
		r.writeError(w, req, err)
		return
	}

	pair, err := r.users.Login(req.Context(), body.Email, body.Password)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	var body validation.RefreshRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := validation.Check(body); err != nil {
		r.writeError(w, req, err)
		return
	}

	pair, err := r.users.RefreshToken(req.Context(), body.RefreshToken)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	var body validation.RefreshRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := validation.Check(body); err != nil {
		r.writeError(w, req, err)
		return
	}

	if err := r.users.Logout(req.Context(), body.RefreshToken); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	user, err := r.users.Me(req.Context(), getUserID(req.Context()))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{ID: user.ID, Email: user.Email})
}

func (r *Router) handleUpdateZulip(w http.ResponseWriter, req *http.Request) {
	var body validation.UpdateZulipRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := validation.Check(body); err != nil {
		r.writeError(w, req, err)
		return
	}

	login := services.UpstreamLogin{Email: body.ZulipEmail, Secret: body.ZulipToken}
	if err := r.users.UpdateCredential(req.Context(), getUserID(req.Context()), login); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
