package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

const clientSecret = `{"installed":{"client_id":"id.apps.googleusercontent.com","client_secret":"secret",
"auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token",
"redirect_uris":["http://localhost"]}}`

func TestGmailClientUsesCachedToken(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credential.json")
	tokFile := filepath.Join(dir, "token.json")
	if err := os.WriteFile(creds, []byte(clientSecret), 0600); err != nil {
		t.Fatal(err)
	}
	if err := saveToken(tokFile, &oauth2.Token{AccessToken: "abc", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	client, err := GmailClient(context.Background(), creds, tokFile, nil, nil)
	if err != nil {
		t.Fatalf("GmailClient: %v", err)
	}
	if client == nil {
		t.Fatal("nil client")
	}
}

func TestGmailClientWithoutTokenOrPrompt(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credential.json")
	if err := os.WriteFile(creds, []byte(clientSecret), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := GmailClient(context.Background(), creds, filepath.Join(dir, "missing.json"), nil, nil)
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestGmailClientMissingSecret(t *testing.T) {
	_, err := GmailClient(context.Background(), filepath.Join(t.TempDir(), "nope.json"), "token.json", nil, nil)
	if err == nil {
		t.Fatal("expected error for missing client secret")
	}
}
