package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/chat"
	"github.com/ike1112/rag-project/internal/client"
	"github.com/ike1112/rag-project/internal/tui"
)

func chatCMD() *cobra.Command {
	var sessionID string
	var serverURL string
	var token string
	var email string
	var password string
	var cfgPath string
	var chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with an indexed session in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if serverURL != "" {
				port, title, err := remoteChatPort(ctx, serverURL, token, email, password, sessionID)
				if err != nil {
					return err
				}
				p := tea.NewProgram(tui.New(port, title), tea.WithAltScreen())
				_, err = p.Run()
				return err
			}

			cfg := config.LoadConfig(cfgPath)
			deps, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}
			sess, err := resolveCLISession(ctx, deps.store, sessionID)
			if err != nil {
				return err
			}
			engine, err := deps.engines.Get(ctx, sess)
			if err != nil {
				return fmt.Errorf("build engine for session %s: %w", sess.ID, err)
			}

			p := tea.NewProgram(tui.New(engine, sess.Title), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	chatCmd.Flags().StringVar(&sessionID, "session", "latest", "session id (latest picks the most recent)")
	chatCmd.Flags().StringVar(&serverURL, "server", "", "base URL of a running ragd server; empty talks to the database directly")
	chatCmd.Flags().StringVar(&token, "token", "", "bearer token for --server mode")
	chatCmd.Flags().StringVar(&email, "email", "", "login email for --server mode when no token is given")
	chatCmd.Flags().StringVar(&password, "password", "", "login password for --server mode when no token is given")
	chatCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return chatCmd
}

// remoteChatPort authenticates against a running server and binds the
// TUI to one of its sessions.
func remoteChatPort(ctx context.Context, serverURL, token, email, password, sessionID string) (tui.ChatPort, string, error) {
	api := client.New(serverURL)
	switch {
	case token != "":
		api.SetToken(token)
	case email != "":
		if err := api.Login(ctx, email, password); err != nil {
			return nil, "", fmt.Errorf("login: %w", err)
		}
	default:
		return nil, "", fmt.Errorf("--server mode needs --token or --email/--password")
	}

	if sessionID == "" {
		sessionID = "latest"
	}
	sess, err := api.Session(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &remoteChat{api: api, sessionID: sess.ID}, sess.Title, nil
}

// remoteChat adapts the API client to the TUI's chat port.
type remoteChat struct {
	api       *client.Client
	sessionID string
}

func (r *remoteChat) Stream(ctx context.Context, question string, fn func(delta string) error) (chat.Answer, error) {
	ans, err := r.api.ChatStream(ctx, r.sessionID, question, fn)
	if err != nil {
		return chat.Answer{}, err
	}
	out := chat.Answer{Text: ans.Text}
	for _, s := range ans.Sources {
		out.Sources = append(out.Sources, chat.Source{Document: s.Document, Snippet: s.Snippet, Score: s.Score})
	}
	return out, nil
}

func (r *remoteChat) Reset(ctx context.Context) error {
	return r.api.Reset(ctx, r.sessionID)
}
