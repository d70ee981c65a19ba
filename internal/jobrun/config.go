package jobrun

import (
	"github.com/hochfrequenz/midjourney-orchestrator/internal/config"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/orchestrator"
)

// OrchestratorConfig maps the application config onto one run
func OrchestratorConfig(cfg *config.Config, mode domain.Mode, botID string) orchestrator.Config {
	phase := cfg.Timing.Single
	if mode == domain.ModeAll {
		phase = cfg.Timing.All
	}
	return orchestrator.Config{
		Mode:         mode,
		BotID:        botID,
		BatchSize:    cfg.General.BatchSize,
		MessageLimit: cfg.General.MessageLimit,
		ClearSweeps:  cfg.General.ClearSweeps,
		LedgerUnsent: cfg.General.LedgerUnsentPrompts,
		Timing: orchestrator.Timing{
			PreClear:      cfg.Timing.PreClear.Std(),
			PostClear:     cfg.Timing.PostClear.Std(),
			ClearDelete:   cfg.Timing.ClearDelete.Std(),
			ClearSweepGap: cfg.Timing.ClearSweepGap.Std(),
			SubmitGap:     cfg.Timing.SubmitGap.Std(),
			PostSubmit:    cfg.Timing.PostSubmit.Std(),
			ClickPause:    cfg.Timing.ClickPause.Std(),
			ClickPoll:     phase.ClickPoll.Std(),
			Settle:        phase.Settle.Std(),
			DownloadPoll:  phase.DownloadPoll.Std(),
		},
	}
}

// DiscordOptions maps the transport settings of the application config
func DiscordOptions(cfg *config.Config) discord.Options {
	return discord.Options{
		BaseURL:           cfg.Discord.APIBaseURL,
		Timeout:           cfg.Discord.RequestTimeout.Std(),
		RequestsPerSecond: cfg.Discord.RequestsPerSecond,
		Burst:             cfg.Discord.Burst,
	}
}
