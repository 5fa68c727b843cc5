package msgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

var requiredScopes = []string{
	"https://graph.microsoft.com/Calendars.Read",
	"offline_access",
}

func msEndpoint(tenantID, path string) string {
	return "https://login.microsoftonline.com/" + tenantID + "/oauth2/v2.0/" + path
}

// OAuthConfig returns the device code flow configuration for a tenant and
// client.
func OAuthConfig(tenantID, clientID string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Scopes:   requiredScopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: msEndpoint(tenantID, "devicecode"),
			TokenURL:      msEndpoint(tenantID, "token"),
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

// TokenFile persists a Graph token as JSON at Path.
type TokenFile struct {
	Path string
}

// DefaultTokenFile returns ~/.ttt/auth/msgraph_tokens.json.
func DefaultTokenFile() (TokenFile, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return TokenFile{}, fmt.Errorf("cannot determine home directory: %w", err)
	}
	return TokenFile{Path: filepath.Join(home, ".ttt", "auth", "msgraph_tokens.json")}, nil
}

// Load returns the stored token, or nil when none was saved yet.
func (f TokenFile) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("corrupt token file (delete %s to re-authenticate): %w", f.Path, err)
	}
	return &tok, nil
}

// Save writes the token atomically with owner-only permissions.
func (f TokenFile) Save(tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("creating auth directory: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling token: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("saving token file: %w", err)
	}
	return nil
}

// Authenticator obtains Graph tokens, reusing and refreshing the stored one
// and falling back to the device code flow.
type Authenticator struct {
	Config *oauth2.Config
	Store  TokenFile
	// Prompt receives the device code instructions and warnings.
	Prompt io.Writer
}

// TokenSource returns a token source that saves every token it hands out,
// so refreshes survive the process.
func (a *Authenticator) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, err := a.token(ctx)
	if err != nil {
		return nil, err
	}
	return &savingTokenSource{ts: a.Config.TokenSource(ctx, tok), store: a.Store}, nil
}

func (a *Authenticator) token(ctx context.Context) (*oauth2.Token, error) {
	tok, err := a.Store.Load()
	if err != nil {
		fmt.Fprintf(a.Prompt, "Warning: %v\n", err)
		tok = nil
	}
	if tok.Valid() {
		return tok, nil
	}

	if tok != nil && tok.RefreshToken != "" {
		refreshed, err := a.Config.TokenSource(ctx, tok).Token()
		if err == nil {
			a.save(refreshed)
			return refreshed, nil
		}
		fmt.Fprintf(a.Prompt, "Token refresh failed (%v), re-authenticating...\n", err)
	}

	resp, err := a.Config.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device auth request failed: %w", err)
	}
	fmt.Fprintln(a.Prompt)
	fmt.Fprintln(a.Prompt, "To sign in, use a web browser to open the page:")
	fmt.Fprintf(a.Prompt, "  %s\n", resp.VerificationURI)
	fmt.Fprintf(a.Prompt, "Enter the code: %s\n", resp.UserCode)
	fmt.Fprintln(a.Prompt)

	tok, err = a.Config.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("device authentication failed: %w", err)
	}
	a.save(tok)
	return tok, nil
}

func (a *Authenticator) save(tok *oauth2.Token) {
	if err := a.Store.Save(tok); err != nil {
		fmt.Fprintf(a.Prompt, "Warning: could not save token: %v\n", err)
	}
}

type savingTokenSource struct {
	ts    oauth2.TokenSource
	store TokenFile
	last  string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.ts.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		_ = s.store.Save(tok)
	}
	return tok, nil
}
