package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/p369349074/QuantDinger-sub001/internal/security"
	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

// Operator recovery tool: rewrites an account password directly in the
// database for when the admin account itself is locked out.
func main() {
	dbPath := flag.String("db", "quantdinger.db", "Path to the database file")
	username := flag.String("username", "admin", "Account to update")
	password := flag.String("password", "", "New password (leave blank to type securely)")
	flag.Parse()

	if strings.TrimSpace(*username) == "" {
		fmt.Fprintln(os.Stderr, "username cannot be empty")
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	user, err := st.GetUserByUsername(strings.TrimSpace(*username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "no such user: %s\n", *username)
		} else {
			fmt.Fprintf(os.Stderr, "lookup failed: %v\n", err)
		}
		os.Exit(1)
	}

	pw := *password
	if pw == "" {
		pw, err = promptPassword()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read password: %v\n", err)
			os.Exit(1)
		}
	}

	if err := security.ValidatePassword(pw); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	if err := st.UpdatePassword(user.ID, string(hash)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to update password: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("password updated for %s (id %d)\n", user.Username, user.ID)
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Piped input, e.g. from a secrets manager.
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Print("New password: ")
	first, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
