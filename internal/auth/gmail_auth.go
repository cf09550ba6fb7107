package auth

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

// ErrNoToken means no cached token exists and no interactive prompt was
// available to obtain one.
var ErrNoToken = errors.New("no gmail token cached")

// GmailClient builds an authorized HTTP client from the OAuth client secret
// at credentialsFile and the token cached at tokenFile. When the token is
// missing and prompt is non-nil, the user is asked to authorize in the
// browser and paste the code; the new token is then cached.
func GmailClient(ctx context.Context, credentialsFile, tokenFile string, prompt io.Reader, out io.Writer) (*http.Client, error) {
	// 1. Read the client secret (the app's id)
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret file: %w", err)
	}

	// 2. Config with Scope (read-only access)
	config, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secret file: %w", err)
	}

	// 3. Get the user's session
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		if prompt == nil {
			return nil, fmt.Errorf("%w at %s", ErrNoToken, tokenFile)
		}
		if tok, err = tokenFromWeb(ctx, config, prompt, out); err != nil {
			return nil, err
		}
		if err := saveToken(tokenFile, tok); err != nil {
			return nil, err
		}
	}
	return config.Client(ctx, tok), nil
}

// tokenFromWeb prints the consent URL and exchanges the pasted code.
func tokenFromWeb(ctx context.Context, config *oauth2.Config, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "OPEN THIS LINK TO AUTHORIZE GMAIL ACCESS:\n%v\n", authURL)
	fmt.Fprintf(out, "---------------------------------------------------------\n")
	fmt.Fprintf(out, "Paste the code here: ")

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && code == "" {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}
