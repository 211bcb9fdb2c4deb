package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chorus/internal/completion"
	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/logging"
)

func newCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Send one prompt through the configured completion client",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, _ := cmd.Flags().GetString("prompt")
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("missing --prompt")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			settings, err := config.NewSettingsSource(cfg.SettingsFile)
			if err != nil {
				return err
			}
			s := settings.Current()
			if model, _ := cmd.Flags().GetString("model"); strings.TrimSpace(model) != "" {
				s.Model = strings.TrimSpace(model)
				s.FallbackModels = nil
			}

			logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: true, Output: cmd.ErrOrStderr()})
			completer, err := completion.NewCompleter(completion.Config{
				Mode:    cfg.CompletionMode,
				APIURL:  cfg.CompletionAPIURL,
				APIKey:  cfg.CompletionAPIKey,
				Timeout: cfg.CompletionTimeout,
				Logger:  logging.Component(logger, "completion"),
			})
			if err != nil {
				return err
			}

			res := completer.Complete(cmd.Context(), completion.Request{
				Prompt: prompt,
				Policy: completion.RetryPolicy{
					Model:          s.Model,
					FallbackModels: s.FallbackModels,
					MaxRetries:     s.MaxRetries,
					RetryDelay:     s.RetryDelay,
				},
			})
			logger.Info().
				Str("model", res.Model).
				Int("attempts", res.Attempts).
				Bool("fallback", res.Fallback).
				Msg("completion finished")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return err
		},
	}
	cmd.Flags().String("prompt", "", "Prompt text to complete.")
	cmd.Flags().String("model", "", "Override the primary model and drop fallbacks.")
	return cmd
}
