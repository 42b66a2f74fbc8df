package vast

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// CredentialPrompter supplies the password for first-time logins. The
// terminal implementation masks input; tests inject their own.
type CredentialPrompter interface {
	Password(prompt string) (string, error)
}

// TerminalPrompter reads a masked password from the controlling terminal.
type TerminalPrompter struct{}

func (TerminalPrompter) Password(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "couldn't read password")
	}

	return string(password), nil
}

// StaticPrompter returns a fixed password, for non-interactive use.
type StaticPrompter string

func (s StaticPrompter) Password(string) (string, error) {
	return string(s), nil
}
