package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Scopes requested for both Drive files created by the app and exported sheets.
var Scopes = []string{drive.DriveFileScope, sheets.SpreadsheetsScope}

// ClientOptions builds API options from a service-account key or from an
// OAuth client secret plus a previously authorised token file.
func ClientOptions(ctx context.Context, credentialsFile, tokenFile string) ([]option.ClientOption, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("credentials file not found: %w", err)
	}

	var credType struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &credType); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", credentialsFile, err)
	}

	if credType.Type == "service_account" {
		creds, err := google.CredentialsFromJSON(ctx, data, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("failed to load service account: %w", err)
		}
		return []option.ClientOption{option.WithCredentials(creds)}, nil
	}

	cfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth client: %w", err)
	}
	tok, err := LoadToken(tokenFile)
	if err != nil {
		return nil, err
	}
	return []option.ClientOption{option.WithTokenSource(cfg.TokenSource(ctx, tok))}, nil
}

// storedToken reads both the oauth2.Token layout and the authorized-user
// layout some Google tools write, which names the access token "token".
type storedToken struct {
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Expiry       string `json:"expiry"`
}

// LoadToken reads an authorised user token. An unreadable expiry is treated
// as already expired so the refresh token is used.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("token file not found, authorise the app first: %w", err)
	}
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", path, err)
	}

	tok := &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
	}
	if tok.AccessToken == "" {
		tok.AccessToken = st.Token
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s holds no token", path)
	}
	if st.Expiry != "" {
		if exp, err := time.Parse(time.RFC3339Nano, st.Expiry); err == nil {
			tok.Expiry = exp
		} else {
			tok.Expiry = time.Unix(1, 0)
		}
	}
	return tok, nil
}
