package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the audio cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openAudioCache(globalConfig.AudioCache)
		if err != nil {
			return err
		}
		defer cache.Close()

		stats, err := cache.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(TitleStyle.Render("Audio cache"))
		printLine("entries", fmt.Sprintf("%d", stats.Entries))
		printLine("size", formatBytes(stats.Bytes))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached clip",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openAudioCache(globalConfig.AudioCache)
		if err != nil {
			return err
		}
		defer cache.Close()

		if err := cache.Clear(cmd.Context()); err != nil {
			return err
		}
		printStatus("audio cache cleared")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
