package main

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/mozilla-conduit/git-hg-sync/internal/config"
)

var dequeueCmd = &cobra.Command{
	Use:   "dequeue",
	Short: "Remove one matching message from the queue without processing it",
	Long: `Scan the configured queue for a push message matching --repo-url
and --push-id, ack it to remove it, and requeue everything else unread.`,
	RunE: runDequeue,
}

func init() {
	dequeueCmd.Flags().StringP("repo-url", "r", "", "source repository URL to match (required)")
	dequeueCmd.Flags().Int64P("push-id", "p", 0, "push id to match (required)")
	_ = dequeueCmd.MarkFlagRequired("repo-url")
	_ = dequeueCmd.MarkFlagRequired("push-id")
}

func runDequeue(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	repoURL, _ := cmd.Flags().GetString("repo-url")
	pushID, _ := cmd.Flags().GetInt64("push-id")

	cfg, err := config.FromFile(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	conn, err := amqp.Dial(pulseAMQPURL(cfg.Pulse))
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	queueInfo, err := ch.QueueInspect(cfg.Pulse.Queue)
	if err != nil {
		return fmt.Errorf("inspecting queue %s: %w", cfg.Pulse.Queue, err)
	}

	for i := 0; i < queueInfo.Messages; i++ {
		msg, ok, err := ch.Get(cfg.Pulse.Queue, false)
		if err != nil {
			return fmt.Errorf("fetching message: %w", err)
		}
		if !ok {
			break
		}

		if messageMatches(msg.Body, repoURL, pushID) {
			if err := msg.Ack(false); err != nil {
				return fmt.Errorf("acking matched message: %w", err)
			}
			fmt.Printf("removed push %d for %s\n", pushID, repoURL)
			return nil
		}
		if err := msg.Nack(false, true); err != nil {
			return fmt.Errorf("requeueing non-matching message: %w", err)
		}
	}

	return fmt.Errorf("no matching message found for %s push %d", repoURL, pushID)
}

func messageMatches(body []byte, repoURL string, pushID int64) bool {
	var envelope struct {
		Payload struct {
			RepoURL string `json:"repo_url"`
			PushID  int64  `json:"push_id"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return envelope.Payload.RepoURL == repoURL && envelope.Payload.PushID == pushID
}
