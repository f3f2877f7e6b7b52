package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/xkilldash9x/reug-runtime/internal/bus"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"go.uber.org/zap"
)

// newSubmitCmd creates the `submit` command. It sends one user turn to a
// running runtime through the Redis bridge and prints the turn outcome.
func newSubmitCmd() *cobra.Command {
	var (
		in             events.ConversationInput
		intent         string
		params         string
		sessionID      string
		conversationID string
		timeout        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit --session <id> [--intent tool --tool <name> --params <json>]",
		Short: "Submits a user turn to a running runtime over Redis and waits for the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Redis().Addr == "" {
				return errors.New("redis.addr must be configured to reach a running runtime (REUG_REDIS_ADDR)")
			}

			in.Intent = events.Intent(intent)
			if params != "" {
				if err := json.Unmarshal([]byte(params), &in.Parameters); err != nil {
					return fmt.Errorf("--params is not a JSON object: %w", err)
				}
			}
			if conversationID == "" {
				conversationID = uuid.NewString()
			}

			broker, err := bus.NewRedisBroker(ctx, cfg.Redis().Addr, cfg.Redis().Password, cfg.Redis().DB)
			if err != nil {
				return err
			}
			defer func() {
				if err := broker.Close(); err != nil {
					logger.Warn("Error closing broker", zap.Error(err))
				}
			}()

			evt := events.Event{
				Topic:          events.TopicConversation,
				Type:           events.TypeUserTurn,
				Source:         "reug-cli",
				SessionID:      sessionID,
				ConversationID: conversationID,
				Payload:        in,
			}
			out, err := submitTurn(ctx, broker, cfg.Redis().Prefix, evt, timeout)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if out.Outcome != events.OutcomeSuccess {
				return fmt.Errorf("turn ended with outcome %s", out.Outcome)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session that receives the turn.")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id; generated when empty.")
	cmd.Flags().StringVar(&intent, "intent", string(events.IntentRespond), "Turn intent: respond, tool, create_tool, script or parallel.")
	cmd.Flags().StringVar(&in.Text, "text", "", "User text.")
	cmd.Flags().StringVar(&in.Tool, "tool", "", "Tool to call or create.")
	cmd.Flags().StringVar(&in.Description, "description", "", "Describes the tool if it has to be created.")
	cmd.Flags().StringVar(&params, "params", "", "Tool parameters as a JSON object.")
	cmd.Flags().StringVar(&in.Trigger, "trigger", "", "Deliver a raw state machine trigger instead of a turn.")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the outcome.")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// submitTurn publishes evt on the broker and waits for the turn_complete
// event of the same conversation.
func submitTurn(ctx context.Context, broker bus.Broker, prefix string, evt events.Event, timeout time.Duration) (events.TurnOutcome, error) {
	if prefix == "" {
		prefix = "reug"
	}
	channel := prefix + ":" + string(events.TopicConversation)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies, err := broker.Receive(ctx, []string{channel})
	if err != nil {
		return events.TurnOutcome{}, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	evt.ID = uuid.NewString()
	evt.Origin = "cli-" + evt.ID
	evt.Timestamp = time.Now().UTC()
	data, err := events.Marshal(evt)
	if err != nil {
		return events.TurnOutcome{}, err
	}
	if err := broker.Publish(ctx, channel, data); err != nil {
		return events.TurnOutcome{}, fmt.Errorf("failed to publish turn: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return events.TurnOutcome{}, fmt.Errorf("no outcome for conversation %s: %w", evt.ConversationID, ctx.Err())
		case payload, ok := <-replies:
			if !ok {
				return events.TurnOutcome{}, errors.New("broker subscription closed")
			}
			reply, err := events.Unmarshal(payload)
			if err != nil || reply.Type != events.TypeTurnComplete || reply.ConversationID != evt.ConversationID {
				continue
			}
			out, ok := reply.Payload.(events.TurnOutcome)
			if !ok {
				return events.TurnOutcome{}, fmt.Errorf("unexpected turn_complete payload %T", reply.Payload)
			}
			return out, nil
		}
	}
}
