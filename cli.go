package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/vibespeak/vibespeak/internal/crypto"
	"github.com/vibespeak/vibespeak/internal/token"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("vibespeak %s\n", Version)
		return true
	case "token":
		return cliToken(args[1:])
	case "master-key":
		return cliMasterKey(args[1:])
	default:
		return false
	}
}

func newTokenService() *token.Service {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-only-insecure-secret-do-not-use-in-prod!!"
	}
	return token.New(secret, os.Getenv("JWT_SECRET_PREVIOUS"))
}

func cliToken(args []string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: vibespeak token [issue <id> <username>|rotate|status]")
		os.Exit(1)
	}

	svc := newTokenService()

	switch args[0] {
	case "issue":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: vibespeak token issue <id> <username>")
			os.Exit(1)
		}
		tok, err := svc.Issue(args[1], args[2], "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error issuing token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return true
	case "rotate":
		svc.Rotate()
		fmt.Println("rotated")
		return true
	case "status":
		st := svc.Status()
		fmt.Printf("active_count: %d\n", st.ActiveCount)
		fmt.Printf("current_age: %s\n", st.CurrentAge.Round(time.Second))
		fmt.Printf("current_id_prefix: %s\n", st.CurrentIDPrefix)
		fmt.Printf("rotation_needed: %v\n", st.RotationNeeded)
		return true
	default:
		fmt.Fprintln(os.Stderr, "Usage: vibespeak token [issue <id> <username>|rotate|status]")
		os.Exit(1)
		return true
	}
}

func cliMasterKey(args []string) bool {
	if len(args) == 0 || args[0] != "generate" {
		fmt.Fprintln(os.Stderr, "Usage: vibespeak master-key generate")
		os.Exit(1)
	}
	key, err := crypto.RandomMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hex.EncodeToString(key))
	return true
}
