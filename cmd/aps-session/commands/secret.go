package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/aps-session/internal/app"
	"github.com/florianilch/aps-session/internal/secretstore"
)

func secretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "manage the stored APS client secret",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "store the client secret (reads from the terminal or stdin)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "secret--storage",
						Usage: "secret storage (file|keyring)",
					},
					&cli.StringFlag{
						Name:  "secret--file",
						Usage: "path to the secret file",
					},
					&cli.StringFlag{
						Name:  "secret--keyring-user",
						Usage: "keyring user (defaults to the client id)",
					},
				},
				Action: secretSetAction,
			},
		},
	}
}

func secretSetAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := readConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := validator.New().Struct(cfg.Secret); err != nil {
		return fmt.Errorf("invalid secret config: %w", err)
	}
	if cfg.Secret.Storage == app.SecretStorageTypeEnv {
		return fmt.Errorf("%w: %s storage, use --secret--storage file or keyring", secretstore.ErrReadOnly, cfg.Secret.Storage)
	}
	if cfg.Secret.Storage == app.SecretStorageTypeKeyring && cfg.Secret.KeyringUser == "" {
		return errors.New("client id or secret.keyring_user required for keyring storage")
	}

	store, err := cfg.Secret.NewSecretStore()
	if err != nil {
		return fmt.Errorf("failed to create secret store: %w", err)
	}

	secret, err := readSecret(os.Stdin, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}

	if err := store.Write(ctx, secret); err != nil {
		return fmt.Errorf("failed to store client secret: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.Root().Writer, "client secret stored (%s)\n", cfg.Secret.Storage)
	return nil
}

// readSecret prompts without echo on a terminal, otherwise reads the first line of in.
func readSecret(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())

	var secret string
	if term.IsTerminal(fd) {
		_, _ = fmt.Fprint(prompt, "APS client secret: ")
		raw, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		secret = string(raw)
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		secret = line
	}

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("empty client secret")
	}
	return secret, nil
}
