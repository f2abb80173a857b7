package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// ErrNoPassphrase is returned when no passphrase is configured and stdin is
// not a terminal.
var ErrNoPassphrase = errors.New("no wallet passphrase: set ORIGNODE_WALLET_PASSPHRASE or run interactively")

// PassphraseFunc supplies the wallet passphrase. create reports that the
// node wallet does not exist yet, so the passphrase will seal a new wallet.
type PassphraseFunc func(create bool) (string, error)

// ConfiguredPassphrase returns a PassphraseFunc that uses configured when
// it is set and prompts on the terminal otherwise.
func ConfiguredPassphrase(configured string) PassphraseFunc {
	return func(create bool) (string, error) {
		if configured != "" {
			return configured, nil
		}
		return PromptPassphrase(create)
	}
}

// ReadPassphrase calls fn on its own goroutine and gives up when ctx is
// done. A terminal left mid-prompt gets its previous state back.
func ReadPassphrase(ctx context.Context, fn PassphraseFunc, create bool) (string, error) {
	fd := int(syscall.Stdin)
	var saved *term.State
	if term.IsTerminal(fd) {
		saved, _ = term.GetState(fd)
	}

	type result struct {
		pass string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		pass, err := fn(create)
		ch <- result{pass, err}
	}()

	select {
	case r := <-ch:
		return r.pass, r.err
	case <-ctx.Done():
		if saved != nil {
			_ = term.Restore(fd, saved)
			fmt.Fprintln(os.Stderr)
		}
		return "", ctx.Err()
	}
}

// PromptPassphrase reads the passphrase from the terminal. A new wallet
// asks for it twice.
func PromptPassphrase(create bool) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", ErrNoPassphrase
	}
	fmt.Fprintln(os.Stderr, "\n=== Wallet Connection ===")
	for {
		prompt := "Enter wallet encryption passphrase: "
		if create {
			prompt = "Set a wallet encryption passphrase: "
		}
		pass, err := readPassword(prompt)
		if err != nil {
			return "", err
		}
		if pass == "" {
			fmt.Fprintln(os.Stderr, "Passphrase cannot be empty. Please try again.")
			continue
		}
		if !create {
			return pass, nil
		}
		confirm, err := readPassword("Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if pass != confirm {
			fmt.Fprintln(os.Stderr, "Passphrases do not match. Please try again.")
			continue
		}
		return pass, nil
	}
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
