package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/licensekit/licensectl/internal/apiclient"
	"github.com/licensekit/licensectl/internal/app"
)

// authCommand returns the 'auth' subcommand for managing the API session.
func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage the license server session",
		Commands: []*cli.Command{
			authLoginCommand(),
			authLogoutCommand(),
			authStatusCommand(),
			authRefreshCommand(),
		},
	}
}

func authLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign in with email and password and save credentials",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "email",
				Usage: "account email (prompted when omitted)",
			},
			&cli.BoolFlag{
				Name:  "password-stdin",
				Usage: "read the password from stdin",
			},
		},
		Action: authLoginAction,
	}
}

func authLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Clear saved credentials",
		Action: authLogoutAction,
	}
}

func authStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show whether a session is stored",
		Action: authStatusAction,
	}
}

func authRefreshCommand() *cli.Command {
	return &cli.Command{
		Name:   "refresh",
		Usage:  "Exchange the refresh token for a new credential pair",
		Action: authRefreshAction,
	}
}

// newClient loads config and builds a client on the configured store.
func newClient(cmd *cli.Command) (*app.Config, *apiclient.Client, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := cfg.Auth.NewCredentialStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	client, err := cfg.NewClient(store, apiclient.WithNavigator(apiclient.NavigatorFunc(loginHint)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create api client: %w", err)
	}
	return cfg, client, nil
}

// loginHint is the navigation target of a terminated CLI session. A nil
// cause is an explicit logout.
func loginHint(_ context.Context, cause error) {
	if cause == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Session expired. Run `licensectl auth login` to sign in again.")
}

func requirePersistentStorage(cfg *app.Config, op string) error {
	if !cfg.Auth.Persistent() {
		return fmt.Errorf("cannot %s with %s storage. Configure file, keyring or redis storage", op, cfg.Auth.Storage)
	}
	return nil
}

func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, client, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := requirePersistentStorage(cfg, "login"); err != nil {
		return err
	}

	email := cmd.String("email")
	if email == "" {
		email, err = readLine(ctx, stdin, "Email: ")
		if err != nil {
			return err
		}
	}

	var password string
	if cmd.Bool("password-stdin") {
		password, err = readLine(ctx, stdin, "")
	} else {
		password, err = readSecureInput(ctx, "Password: ")
	}
	if err != nil {
		return err
	}

	if _, err := client.Login(ctx, email, password); err != nil {
		if errors.Is(err, apiclient.ErrInvalidCredentials) {
			return errors.New("login failed: invalid email or password")
		}
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Login Successful ===")
	fmt.Printf("Signed in to %s\n", client.BaseURL())
	fmt.Println("Credentials saved to configured storage")

	return nil
}

func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, client, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := requirePersistentStorage(cfg, "logout"); err != nil {
		return err
	}

	if !client.Logout(ctx) {
		fmt.Println("No stored session")
		return nil
	}

	fmt.Println()
	fmt.Println("=== Logout Successful ===")
	fmt.Println("Credentials cleared from configured storage")

	return nil
}

func authStatusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, client, err := newClient(cmd)
	if err != nil {
		return err
	}

	pair, ok, err := client.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	fmt.Printf("API:     %s\n", client.BaseURL())
	fmt.Printf("Storage: %s\n", cfg.Auth.Storage)
	if !ok {
		fmt.Printf("Session: %s\n", apiclient.Unauthenticated)
		return nil
	}

	fmt.Printf("Session: %s\n", apiclient.Authenticated)
	if exp, ok := pair.AccessExpiry(); ok {
		remaining := time.Until(exp).Round(time.Second)
		if remaining > 0 {
			fmt.Printf("Access token expires %s (in %s)\n", exp.Local().Format(time.RFC3339), remaining)
		} else {
			fmt.Printf("Access token expired %s, it is refreshed on the next request\n", exp.Local().Format(time.RFC3339))
		}
	}
	return nil
}

func authRefreshAction(ctx context.Context, cmd *cli.Command) error {
	_, client, err := newClient(cmd)
	if err != nil {
		return err
	}

	pair, err := client.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	fmt.Println("Session refreshed")
	if exp, ok := pair.AccessExpiry(); ok {
		fmt.Printf("Access token expires %s\n", exp.Local().Format(time.RFC3339))
	}
	return nil
}

// readSecureInput reads user input with hidden display and context cancellation support.
// Goroutine+select pattern required because term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}

// stdin is shared so consecutive readLine calls do not lose buffered input.
var stdin = bufio.NewReader(os.Stdin)

// readLine reads one visible line from r, honoring ctx like readSecureInput.
func readLine(ctx context.Context, r *bufio.Reader, prompt string) (string, error) {
	if prompt != "" {
		fmt.Print(prompt)
	}

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		resultCh <- result{value: strings.TrimRight(line, "\r\n"), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}
