package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hrygo/companion/plugin/ai/timeout"
	"github.com/hrygo/companion/server/service/conversation"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the engine from the terminal, one line per turn",
	RunE: func(cmd *cobra.Command, _ []string) error {
		instanceProfile, err := loadProfile()
		if err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		s, err := newServer(ctx, instanceProfile)
		if err != nil {
			return err
		}
		defer s.Shutdown(context.WithoutCancel(ctx))

		fmt.Printf("session %s, user %s, engine %s. Ctrl-D to quit.\n", sessionID, userID, instanceProfile.EngineMode)
		return runChat(ctx, s.Conversation(), os.Stdin, os.Stdout, sessionID, userID)
	},
}

func init() {
	chatCmd.Flags().String("user", "+51999000000", "phone number the messages come from")
	chatCmd.Flags().String("session", "", "session id, a new one by default")
}

// runChat reads one message per line and prints each reply with its triage.
func runChat(ctx context.Context, svc *conversation.Service, in io.Reader, out io.Writer, sessionID, userID string) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		turnCtx, cancel := context.WithTimeout(ctx, timeout.TurnTimeout)
		start := time.Now()
		resp, err := svc.ProcessTurn(turnCtx, &conversation.TurnRequest{
			SessionID: sessionID,
			UserID:    userID,
			Text:      text,
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "[error] %v\n", err)
			continue
		}

		fmt.Fprintln(out, resp.ReplyText)
		fmt.Fprintf(out, "  [%s | topic %s | risk %s/%d | %s]\n",
			resp.HandlerUsed, resp.Topic, resp.RiskTier, resp.RiskScore, time.Since(start).Round(time.Millisecond))
		if len(resp.Actions) > 0 {
			fmt.Fprintf(out, "  [actions %s]\n", strings.Join(resp.Actions, ", "))
		}
		for _, se := range resp.SideEffects {
			fmt.Fprintf(out, "  [side effect %s]\n", se)
		}
	}
}
