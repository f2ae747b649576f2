package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/ListenUpApp/client-sub012/internal/api"
	"github.com/ListenUpApp/client-sub012/internal/config"
	"github.com/ListenUpApp/client-sub012/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save an access token for the ListenUp server",
		Long: `Verify an access token against the server and save it to the token file.

The token is read from --token, or from the first line of standard input
when --token is not given. It is checked with a handshake before saving.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().String("token", "", "access token (read from stdin when empty)")
	cmd.Flags().String("user-id", "", "user id to record alongside the token")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved access token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the server, library and credentials in use",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	if err := cc.Cfg.RequireServer(); err != nil {
		return err
	}

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		read, err := readTokenLine(cmd.InOrStdin())
		if err != nil {
			return err
		}

		token = read
	}

	client := api.NewClient(cc.Cfg.Server.URL, newHTTPClient(&cc.Cfg.Network), api.StaticToken(token), cc.Logger, userAgent(cc.Cfg))

	hs, err := client.Handshake(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrForbidden) {
			return fmt.Errorf("server rejected the token: %w", err)
		}

		return fmt.Errorf("verifying token: %w", err)
	}

	userID, _ := cmd.Flags().GetString("user-id")

	tf := &tokenfile.File{
		Token:     &oauth2.Token{AccessToken: token, TokenType: "Bearer"},
		ServerURL: cc.Cfg.Server.URL,
		UserID:    userID,
	}

	if err := tokenfile.Save(cc.Cfg.Server.TokenFile, tf); err != nil {
		return err
	}

	cc.Logger.Info("login successful",
		slog.String("server", cc.Cfg.Server.URL),
		slog.String("library_id", hs.LibraryID),
		slog.String("token_file", cc.Cfg.Server.TokenFile),
	)
	cc.Statusf("Logged in to %s (library %s).\n", cc.Cfg.Server.URL, hs.LibraryID)

	return nil
}

// readTokenLine reads the first non-empty line from r.
func readTokenLine(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, nil
		}
	}

	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("reading token from stdin: %w", err)
	}

	return "", errors.New("no token given: pass --token or pipe it on stdin")
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := cc.Cfg.Server.TokenFile

	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		cc.Statusf("Not logged in.\n")
		return nil
	}

	if err != nil {
		return fmt.Errorf("removing token file: %w", err)
	}

	cc.Logger.Info("logout successful", slog.String("token_file", path))
	cc.Statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Server        string `json:"server"`
	LibraryID     string `json:"library_id"`
	ServerVersion string `json:"server_version,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	TokenSource   string `json:"token_source"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	ts, err := sessionToken(cc.Cfg, false)
	if err != nil {
		return err
	}

	client := api.NewClient(cc.Cfg.Server.URL, newHTTPClient(&cc.Cfg.Network), ts, cc.Logger, userAgent(cc.Cfg))

	hs, err := client.Handshake(ctx)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}

	out := whoamiOutput{
		Server:        cc.Cfg.Server.URL,
		LibraryID:     hs.LibraryID,
		ServerVersion: hs.ServerVersion,
		TokenSource:   cc.Cfg.Server.TokenFile,
	}

	if cc.Cfg.Token != "" {
		out.TokenSource = config.EnvToken
	} else if tf, err := tokenfile.Load(cc.Cfg.Server.TokenFile); err == nil && tf != nil {
		out.UserID = tf.UserID
	}

	if cc.Flags.JSON {
		return writeJSON(cc.Out, out)
	}

	fmt.Fprintf(cc.Out, "Server:   %s\n", out.Server)
	fmt.Fprintf(cc.Out, "Library:  %s\n", out.LibraryID)

	if out.ServerVersion != "" {
		fmt.Fprintf(cc.Out, "Version:  %s\n", out.ServerVersion)
	}

	if out.UserID != "" {
		fmt.Fprintf(cc.Out, "User:     %s\n", out.UserID)
	}

	fmt.Fprintf(cc.Out, "Token:    %s\n", out.TokenSource)

	return nil
}
