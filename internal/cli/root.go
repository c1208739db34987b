// Package cli implementa el cliente de terminal: autenticacion y la ventana de chat.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"realtime-chat/internal/config"
)

// RootOptions agrupa los flags globales.
type RootOptions struct {
	APIURL          string
	CredentialsFile string
	Verbose         bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Realtime direct messaging from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.applyDefaults()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", "", "backend base url (default $CHAT_API_URL)")
	cmd.PersistentFlags().StringVar(&opts.CredentialsFile, "credentials", "", "credentials file (default $CHAT_CREDENTIALS_FILE)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(NewSignUpCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewResendCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewWhoAmICommand(opts))
	cmd.AddCommand(NewChatCommand(opts))

	return cmd
}

// applyDefaults completa los flags vacios con la configuracion de entorno.
func (o *RootOptions) applyDefaults() error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	if o.APIURL == "" {
		o.APIURL = cfg.APIURL
	}
	if o.CredentialsFile == "" {
		o.CredentialsFile = cfg.CredentialsFile
	}
	if o.CredentialsFile == "" {
		path, err := DefaultCredentialsPath()
		if err != nil {
			return err
		}
		o.CredentialsFile = path
	}
	return nil
}

func (o *RootOptions) logger() *zap.Logger {
	if !o.Verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
