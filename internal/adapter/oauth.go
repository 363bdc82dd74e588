package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// TokenEndpoint is one channel's OAuth token URL plus the client
// credentials registered with that channel.
type TokenEndpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the refresh-grant response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// Failures use the adapter error taxonomy, so a revoked grant surfaces
// as an authentication error rather than a transient one.
func RefreshAccessToken(ctx context.Context, channel model.ChannelType, endpoint TokenEndpoint, refreshToken string) (*TokenResponse, error) {
	if endpoint.TokenURL == "" {
		return nil, &Error{Channel: channel, Kind: ErrValidation, Message: "no token endpoint configured"}
	}

	client := resty.New().SetTimeout(requestTimeout)
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     endpoint.ClientID,
			"client_secret": endpoint.ClientSecret,
		}).
		Post(endpoint.TokenURL)
	if err != nil {
		return nil, &Error{Channel: channel, Kind: ErrTransient, Message: err.Error()}
	}
	if resp.IsError() {
		return nil, translateHTTP(channel, resp)
	}

	token := &TokenResponse{}
	if err := json.Unmarshal(resp.Body(), token); err != nil {
		return nil, &Error{Channel: channel, Kind: ErrValidation, Message: fmt.Sprintf("decode token response: %v", err)}
	}
	if token.AccessToken == "" {
		return nil, &Error{Channel: channel, Kind: ErrValidation, Message: "token response missing access_token"}
	}
	return token, nil
}
