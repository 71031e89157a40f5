package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	pipeline "github.com/koscakluka/ema-tutor/core"
	"github.com/koscakluka/ema-tutor/core/conversations"
	"github.com/koscakluka/ema-tutor/core/translation"
	"github.com/spf13/cobra"
)

var (
	converseID     string
	conversePrompt string
	converseTurns  int
	converseRecord time.Duration
)

var converseCmd = &cobra.Command{
	Use:   "converse",
	Short: "Hold a spoken conversation",
	Long: `Record the learner, send the recording to the speech model and play the
reply as it streams in. Every completed turn is stored with the reply split
into bilingual lines, each with its own cached audio.

Examples:
  ema-tutor converse --turns 3 --record 5s
  ema-tutor converse --conversation lesson-1 --prompt "You are a waiter in Madrid."`,
	RunE: runConverse,
}

func init() {
	converseCmd.Flags().StringVar(&converseID, "conversation", "", "conversation id (a new one when empty)")
	converseCmd.Flags().StringVar(&conversePrompt, "prompt", "", "system prompt for the speech model")
	converseCmd.Flags().IntVar(&converseTurns, "turns", 1, "number of turns, 0 runs until interrupted")
	converseCmd.Flags().DurationVar(&converseRecord, "record", 5*time.Second, "recording length per turn")
}

func runConverse(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	if converseID == "" {
		converseID = uuid.NewString()
	}
	prompt := conversePrompt
	if prompt == "" {
		prompt = fmt.Sprintf("You are a friendly %s tutor. Keep replies short and speak %s only.",
			cfg.Translation.TargetLanguage, cfg.Translation.TargetLanguage)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connector, err := newConnector(ctx, cfg.Speech)
	if err != nil {
		return err
	}
	translator, err := newTranslator(cfg.Translation)
	if err != nil {
		return err
	}
	trigger, err := loadTrigger(cfg.Speech.TriggerPath)
	if err != nil {
		return err
	}

	cache, err := openAudioCache(cfg.AudioCache)
	if err != nil {
		return err
	}
	defer cache.Close()

	store, err := conversations.Open(ctx, cfg.Conversations.Path)
	if err != nil {
		return fmt.Errorf("failed to open conversations: %w", err)
	}
	defer store.Close()

	portRecorder, err := openRecorder(cfg.Audio)
	if err != nil {
		return err
	}
	client, err := openPlayback(portRecorder == nil)
	if err != nil {
		return err
	}
	defer client.Close()
	var rec recorder = client
	if portRecorder != nil {
		defer portRecorder.Close()
		rec = portRecorder
	}

	aligner := pipeline.NewTurnAligner(converseID, printingStore{store},
		pipeline.WithTranslator(translator,
			translation.WithLanguages(cfg.Translation.TargetLanguage, cfg.Translation.NativeLanguage)),
		pipeline.WithLineCache(cache),
		pipeline.WithTurnAlignStrategy(alignStrategy(cfg.Speech)),
		pipeline.WithLineVoice(pipeline.DefaultProvider, cfg.Speech.VoiceName, cfg.Speech.LanguageCode),
	)
	live := pipeline.NewLiveConversation(connector, client,
		pipeline.WithLiveModel(cfg.Speech.Model),
		pipeline.WithLiveVoice(cfg.Speech.VoiceName, cfg.Speech.LanguageCode),
		pipeline.WithLiveFrameSource(client),
		pipeline.WithLiveTriggerAudio(trigger),
		pipeline.WithLiveSessionTimeout(cfg.Speech.SessionTimeout()),
		pipeline.WithLiveSendWindow(cfg.Speech.SendWindow()),
		pipeline.WithTurnAligner(aligner),
		pipeline.WithTranscriptCallback(func(delta string) {
			fmt.Print(DimStyle.Render(delta))
		}),
	)
	go func() {
		<-ctx.Done()
		live.Stop()
	}()

	fmt.Println(TitleStyle.Render("Conversation " + converseID))
	for turn := 0; converseTurns == 0 || turn < converseTurns; turn++ {
		if ctx.Err() != nil {
			return nil
		}

		printStatus("recording for %s...", converseRecord)
		recordCtx, cancel := context.WithTimeout(ctx, converseRecord)
		userAudio, err := rec.Record(recordCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to record: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		result, err := live.RunTurn(ctx, pipeline.TurnInput{
			SystemPrompt: prompt,
			UserAudio:    userAudio,
		})
		fmt.Println()
		switch {
		case errors.Is(err, pipeline.ErrTimeout):
			printStatus("the reply took too long, try again")
			continue
		case err != nil:
			return err
		case result.Aborted:
			printStatus("turn stopped")
			return nil
		}
	}
	return nil
}

// printingStore shows every stored message before saving it.
type printingStore struct {
	store *conversations.Store
}

func (s printingStore) SaveMessage(ctx context.Context, message conversations.Message) error {
	switch message.Role {
	case conversations.RoleUser:
		printLine("you", strings.TrimSpace(message.Text))
	case conversations.RoleAssistant:
		printMessageLines(message)
	}
	return s.store.SaveMessage(ctx, message)
}

func printMessageLines(message conversations.Message) {
	for i, line := range message.Lines {
		label := ""
		if i == 0 {
			label = "tutor"
		}
		printLine(label, line.Target)
		if line.Native != "" {
			printTranslation(line.Native)
		}
	}
}
