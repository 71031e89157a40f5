package commands

import (
	"fmt"
	"strconv"

	"github.com/koscakluka/ema-tutor/core/conversations"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := conversations.Open(cmd.Context(), globalConfig.Conversations.Path)
		if err != nil {
			return fmt.Errorf("failed to open conversations: %w", err)
		}
		defer store.Close()

		messages, err := store.Messages(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			printStatus("no messages")
			return nil
		}
		for _, message := range messages {
			printStatus("%s  %s", message.CreatedAt.Local().Format("15:04:05"), message.ID)
			if message.Role == conversations.RoleUser {
				printLine("you", message.Text)
				continue
			}
			printMessageLines(message)
		}
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <message-id> <line>",
	Short: "Play one line of a stored reply",
	Long: `Play the cached audio of one line of an assistant message. Lines are
numbered from 1 as printed by history.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[1])
		if err != nil || index < 1 {
			return fmt.Errorf("invalid line number %q", args[1])
		}

		store, err := conversations.Open(cmd.Context(), globalConfig.Conversations.Path)
		if err != nil {
			return fmt.Errorf("failed to open conversations: %w", err)
		}
		defer store.Close()

		line, err := store.Line(cmd.Context(), args[0], index-1)
		if err != nil {
			return err
		}
		if line.AudioKey == "" {
			return fmt.Errorf("line %d has no audio", index)
		}

		cache, err := openAudioCache(globalConfig.AudioCache)
		if err != nil {
			return err
		}
		defer cache.Close()
		wav, err := cache.Get(cmd.Context(), line.AudioKey)
		if err != nil {
			return fmt.Errorf("failed to load line audio: %w", err)
		}

		client, err := openPlayback(false)
		if err != nil {
			return err
		}
		defer client.Close()

		printLine(strconv.Itoa(index), line.Target)
		return client.Play(cmd.Context(), wav)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 100, "maximum number of messages")
}
