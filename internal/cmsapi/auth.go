package cmsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/logsanitize"
)

// Auth endpoint paths, relative to the API base.
const (
	LoginPath   = "/auth/login"
	ReissuePath = "/auth/reissue"
	VerifyPath  = "/auth/verify"
	LogoutPath  = "/auth/logout"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken          string            `json:"accessToken"`
	RefreshToken         string            `json:"refreshToken"`
	AccessTokenExpiresIn int64             `json:"accessTokenExpiresIn"`
	User                 *auth.UserProfile `json:"user"`
}

func (r tokenResponse) pair() auth.TokenPair {
	return auth.TokenPair{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.AccessTokenExpiresIn,
	}
}

// Login exchanges credentials for a token pair and the operator's profile.
// Nothing is persisted here. A rejection from the backend wraps
// auth.ErrInvalidCredentials; server and transport failures wrap auth.ErrNetwork.
// If the backend omits the profile, User is left zero.
func (c *Client) Login(ctx context.Context, creds auth.Credentials) (auth.LoginResult, error) {
	req, err := newJSONRequest(ctx, http.MethodPost, c.URL(LoginPath), loginRequest{
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return auth.LoginResult{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return auth.LoginResult{}, fmt.Errorf("%w: %w", auth.ErrNetwork, err)
	}
	defer drain(resp)

	body, err := readBody(resp)
	if err != nil {
		return auth.LoginResult{}, err
	}

	switch {
	case resp.StatusCode >= 500:
		return auth.LoginResult{}, backendError(resp.StatusCode, body, auth.ErrNetwork)
	case resp.StatusCode >= 400:
		return auth.LoginResult{}, backendError(resp.StatusCode, body, auth.ErrInvalidCredentials)
	}

	var tr tokenResponse
	if err := decodeEnvelope(resp.StatusCode, body, &tr); err != nil {
		var be *auth.BackendError
		if errors.As(err, &be) {
			be.Kind = auth.ErrInvalidCredentials
			return auth.LoginResult{}, be
		}
		return auth.LoginResult{}, err
	}
	if tr.AccessToken == "" {
		return auth.LoginResult{}, &auth.BackendError{
			StatusCode: resp.StatusCode,
			Message:    "login response carried no access token",
			Kind:       auth.ErrInvalidCredentials,
		}
	}

	res := auth.LoginResult{Tokens: tr.pair()}
	if tr.User != nil {
		res.User = tr.User.Normalize(c.rolePrefix)
	}
	return res, nil
}

// Reissue exchanges a refresh token for a new pair. The refresh token is sent
// as the bearer credential. When the backend does not rotate the refresh token
// the old one is kept.
func (c *Client) Reissue(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	req, err := newJSONRequest(ctx, http.MethodPost, c.URL(ReissuePath), nil)
	if err != nil {
		return auth.TokenPair{}, err
	}
	req.Header.Set("Authorization", "Bearer "+refreshToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("%w: %w", auth.ErrNetwork, err)
	}
	defer drain(resp)

	body, err := readBody(resp)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return auth.TokenPair{}, backendError(resp.StatusCode, body, auth.ErrSessionExpired)
	}

	var tr tokenResponse
	if err := decodeEnvelope(resp.StatusCode, body, &tr); err != nil {
		return auth.TokenPair{}, err
	}
	if tr.AccessToken == "" {
		return auth.TokenPair{}, fmt.Errorf("reissue response carried no access token")
	}

	pair := tr.pair()
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// Verify fetches the operator's profile with the stored access token. It goes
// through the refresh pipeline.
func (c *Client) Verify(ctx context.Context) (auth.UserProfile, error) {
	var profile auth.UserProfile
	if err := c.GetJSON(ctx, VerifyPath, &profile); err != nil {
		return auth.UserProfile{}, err
	}
	if profile.Username == "" && profile.ID == "" {
		return auth.UserProfile{}, fmt.Errorf("verify response carried no profile")
	}
	return profile.Normalize(c.rolePrefix), nil
}

// Logout tells the backend to revoke the current session. It never triggers
// a token reissue; callers treat its failure as non-fatal.
func (c *Client) Logout(ctx context.Context) error {
	req, err := newJSONRequest(ctx, http.MethodPost, c.URL(LogoutPath), nil)
	if err != nil {
		return err
	}

	rec, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token store: %w", err)
	}
	if rec == nil {
		return nil
	}
	rec.Tokens.OAuth2().SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", auth.ErrNetwork, err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := readBody(resp)
		be := backendError(resp.StatusCode, body, nil)
		return fmt.Errorf("backend logout failed for token %s: %w", logsanitize.Mask(rec.Tokens.AccessToken), be)
	}
	return nil
}
