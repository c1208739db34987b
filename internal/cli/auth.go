package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"realtime-chat/internal/backend"
)

func NewSignUpCommand(opts *RootOptions) *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "signup <email>",
		Short: "Create an account; a confirmation code is emailed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptSecret(cmd, "Password: ")
			if err != nil {
				return err
			}
			client := backend.NewHTTPClient(opts.APIURL, nil, opts.logger())
			user, err := client.SignUp(withContext(cmd), backend.SignUpRequest{
				Email:       args[0],
				Password:    password,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account created for %s. Check your email and run `chat verify %s <code>`.\n", user.Email, user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name (defaults to the email local part)")
	return cmd
}

func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <email> <code>",
		Short: "Confirm the email address and start a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := backend.NewHTTPClient(opts.APIURL, nil, opts.logger())
			session, err := client.Verify(withContext(cmd), args[0], args[1])
			if err != nil {
				return err
			}
			return opts.saveSession(cmd, session)
		},
	}
}

func NewResendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resend <email>",
		Short: "Send a new confirmation code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := backend.NewHTTPClient(opts.APIURL, nil, opts.logger())
			if err := client.ResendVerification(withContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "A new code is on its way.")
			return nil
		},
	}
}

func NewLoginCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in with email and password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptSecret(cmd, "Password: ")
			if err != nil {
				return err
			}
			client := backend.NewHTTPClient(opts.APIURL, nil, opts.logger())
			session, err := client.Login(withContext(cmd), args[0], password)
			if err != nil {
				if errors.Is(err, backend.ErrForbidden) {
					return fmt.Errorf("email not confirmed yet: run `chat verify %s <code>`", args[0])
				}
				return err
			}
			return opts.saveSession(cmd, session)
		},
	}
}

func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget local credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := opts.connect()
			if errors.Is(err, ErrNotLoggedIn) {
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
				return nil
			}
			if err != nil {
				return err
			}
			if err := client.SignOut(withContext(cmd)); err != nil {
				opts.logger().Warn("remote sign out failed", zap.Error(err))
			}
			if err := RemoveCredentials(opts.CredentialsFile); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func NewWhoAmICommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := opts.connect()
			if err != nil {
				return err
			}
			user, err := client.CurrentUser(withContext(cmd))
			if err != nil {
				return err
			}
			if user == nil {
				return ErrNotLoggedIn
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\n", user.DisplayName, user.Email)
			return nil
		},
	}
}

func (o *RootOptions) saveSession(cmd *cobra.Command, session backend.Session) error {
	if err := SaveCredentials(o.CredentialsFile, Credentials{APIURL: o.APIURL, Session: session}); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s.\n", session.User.Email)
	return nil
}

// connect arma un cliente con las credenciales guardadas y persiste los tokens rotados.
func (o *RootOptions) connect() (*backend.HTTPClient, Credentials, error) {
	creds, err := LoadCredentials(o.CredentialsFile)
	if err != nil {
		return nil, Credentials{}, err
	}
	// Los tokens pertenecen al servidor que los emitio.
	apiURL := creds.APIURL
	if apiURL == "" {
		apiURL = o.APIURL
	}
	logger := o.logger()
	client := backend.NewHTTPClient(apiURL, nil, logger)
	client.SetTokens(creds.Session.Tokens)

	path := o.CredentialsFile
	client.OnTokenRefresh(func(t backend.Tokens) {
		creds.Session.Tokens = t
		if err := SaveCredentials(path, creds); err != nil {
			logger.Warn("persist refreshed tokens failed", zap.Error(err))
		}
	})
	return client, creds, nil
}

// promptSecret lee una linea de stdin. No oculta el eco.
func promptSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func withContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
