package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/org/passvault/internal/crypto"
	"github.com/org/passvault/internal/kdf"
	"github.com/org/passvault/pkg/models"
	"golang.org/x/term"
)

// readPassword is swapped out in tests.
var readPassword = term.ReadPassword

var stdin = bufio.NewReader(os.Stdin)

var errWrongPassword = errors.New("invalid email or password")

var kdfPool = kdf.NewPool(1)

// promptLine prints prompt and reads one trimmed line.
func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptSecret reads a line without echo when stdin is a terminal.
func promptSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return nil, err
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}
	b, err := readPassword(fd)
	fmt.Fprintln(os.Stderr)
	return b, err
}

// deriveKeys runs the KDF behind a spinner. The caller owns both results
// and must zero them.
func deriveKeys(password []byte, params models.KDFParams) (verifier, passwordKey []byte, err error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " Deriving keys..."
	s.Start()
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return kdfPool.Derive(ctx, password, params)
}

// unlockVault prompts for the master password and returns the plaintext
// vault key. The caller must zero it.
func unlockVault() ([]byte, error) {
	if cfg.VaultKeyEnc == "" {
		return nil, errors.New("not logged in; run 'passvault login'")
	}
	password, err := promptSecret("Master password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(password)

	verifier, passwordKey, err := deriveKeys(password, cfg.KDFParams)
	if err != nil {
		return nil, err
	}
	crypto.Zero(verifier)
	defer crypto.Zero(passwordKey)

	ct, iv, err := crypto.DecodeEnvelope(cfg.VaultKeyEnc, cfg.VaultKeyEncIV)
	if err != nil {
		return nil, errWrongPassword
	}
	vaultKey, err := crypto.UnwrapVaultKey(ct, iv, passwordKey)
	if err != nil {
		return nil, errWrongPassword
	}
	return vaultKey, nil
}
