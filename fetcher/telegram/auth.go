package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// TerminalAuthenticator implements auth.UserAuthenticator prompting for input.
// The 2FA password is read without echo when input is a terminal.
type TerminalAuthenticator struct {
	PhoneNumber string // optional, will be prompted if empty

	in  *bufio.Reader
	out io.Writer
}

func NewTerminalAuthenticator(phone string) TerminalAuthenticator {
	return TerminalAuthenticator{
		PhoneNumber: phone,
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
	}
}

func (TerminalAuthenticator) SignUp(ctx context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("signing up is not supported, register the account in an official client first")
}

func (TerminalAuthenticator) AcceptTermsOfService(ctx context.Context, tos tg.HelpTermsOfService) error {
	return &auth.SignUpRequired{TermsOfService: tos}
}

func (a TerminalAuthenticator) Code(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, "A verification code has been sent to your Telegram account.")
	return a.prompt("Enter code: ")
}

func (a TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	if a.PhoneNumber != "" {
		return a.PhoneNumber, nil
	}
	return a.prompt("Enter phone in international format (e.g. +1234567890): ")
}

func (a TerminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Fprint(a.out, "Enter 2FA password: ")
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return a.readLine()
	}
	bytePwd, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	fmt.Fprintln(a.out)
	return strings.TrimSpace(string(bytePwd)), nil
}

func (a TerminalAuthenticator) prompt(label string) (string, error) {
	fmt.Fprint(a.out, label)
	return a.readLine()
}

func (a TerminalAuthenticator) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
