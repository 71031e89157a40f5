package commands

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	pipeline "github.com/koscakluka/ema-tutor/core"
	"github.com/spf13/cobra"
)

var (
	speakFile     string
	speakLanguage string
	speakVoice    string
)

var speakCmd = &cobra.Command{
	Use:   "speak [lines...]",
	Short: "Read lines aloud",
	Long: `Read lines aloud through the speech model. Lines without cached audio are
synthesized together in one session and cached afterwards. Lines that are
already cached play straight from the cache.

Examples:
  ema-tutor speak "Buenos días." "¿Cómo estás?"
  ema-tutor speak --file lesson.txt --language es-ES --voice Puck`,
	RunE: runSpeak,
}

func init() {
	speakCmd.Flags().StringVarP(&speakFile, "file", "f", "", "read lines from file, one per line")
	speakCmd.Flags().StringVar(&speakLanguage, "language", "", "BCP-47 language code (default from config)")
	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "voice name (default from config)")
}

func runSpeak(cmd *cobra.Command, args []string) error {
	lines, err := speakLines(args)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("nothing to speak")
	}

	cfg := globalConfig
	language := firstNonEmpty(speakLanguage, cfg.Speech.LanguageCode)
	voice := firstNonEmpty(speakVoice, cfg.Speech.VoiceName)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connector, err := newConnector(ctx, cfg.Speech)
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

	client, err := openPlayback(false)
	if err != nil {
		return err
	}
	defer client.Close()

	done := make(chan struct{})
	var doneOnce sync.Once
	queue := pipeline.NewQueue(connector, client,
		pipeline.WithAudioCache(cache),
		pipeline.WithModel(cfg.Speech.Model),
		pipeline.WithFrameSource(client),
		pipeline.WithTriggerAudio(trigger),
		pipeline.WithSessionTimeout(cfg.Speech.SessionTimeout()),
		pipeline.WithSendWindow(cfg.Speech.SendWindow()),
		pipeline.WithAlignStrategy(alignStrategy(cfg.Speech)),
		pipeline.WithLineStartCallback(func(start pipeline.LineStart) {
			printLine(fmt.Sprintf("%d", start.Index+1), start.Text)
		}),
		pipeline.WithErrorCallback(func(err error) {
			fmt.Fprintln(os.Stderr, ErrorStyle.Render(err.Error()))
		}),
		pipeline.WithQueueCompleteCallback(func() {
			doneOnce.Do(func() { close(done) })
		}),
	)

	requests := make([]pipeline.SpeechRequest, 0, len(lines))
	for _, line := range lines {
		requests = append(requests, pipeline.SpeechRequest{
			Text:         line,
			LanguageCode: language,
			VoiceName:    voice,
		})
	}

	fmt.Println(TitleStyle.Render(fmt.Sprintf("Speaking %d lines", len(requests))))
	queue.Speak(ctx, requests)

	select {
	case <-done:
	case <-ctx.Done():
		queue.StopSpeaking()
		printStatus("stopped")
	}
	return nil
}

func speakLines(args []string) ([]string, error) {
	if speakFile == "" {
		return args, nil
	}
	file, err := os.Open(speakFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", speakFile, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", speakFile, err)
	}
	return append(lines, args...), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
