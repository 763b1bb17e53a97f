package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"golang.org/x/oauth2"

	"github.com/avela/mailflow/internal/config"
	"github.com/avela/mailflow/internal/provider"
)

// Mints a Gmail OAuth token for one mailbox. The printed JSON blob is what
// POST /api/v1/connections expects in its "credentials" field for the gmail
// provider.
func main() {
	log.Println("Mailflow - Gmail OAuth Setup")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		log.Fatalf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set")
	}

	oauthConfig := provider.GmailOAuthConfig(
		cfg.GoogleClientID,
		cfg.GoogleClientSecret,
		cfg.GoogleRedirectURL,
	)

	authURL := oauthConfig.AuthCodeURL("state-token",
		oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Println("\n=== Gmail OAuth Setup ===")
	fmt.Println("\n1. Visit this URL in your browser:")
	fmt.Printf("\n%s\n\n", authURL)
	fmt.Println("2. Authorize the application")
	fmt.Println("3. Copy the authorization code from the redirect URL")
	fmt.Print("\nEnter authorization code: ")

	var code string
	if _, err := fmt.Scan(&code); err != nil {
		log.Fatalf("Failed to read authorization code: %v", err)
	}

	ctx := context.Background()
	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		log.Fatalf("Failed to exchange code for token: %v", err)
	}

	blob, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode token: %v", err)
	}

	outPath := "token.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}
	if err := os.WriteFile(outPath, blob, 0600); err != nil {
		log.Fatalf("Failed to save token: %v", err)
	}

	fmt.Println("\n✓ Authentication successful!")
	fmt.Printf("✓ Token saved to %s\n", outPath)
	fmt.Println("\nUse this blob as the \"credentials\" field when creating a connection:")
	fmt.Printf("\n%s\n", blob)
}
