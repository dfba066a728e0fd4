package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/huddle/client"
	"github.com/mistakeknot/huddle/internal/agent"
	"github.com/mistakeknot/huddle/internal/auth"
	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/bus/redisbus"
	"github.com/mistakeknot/huddle/internal/config"
	"github.com/mistakeknot/huddle/internal/health"
	"github.com/mistakeknot/huddle/internal/llm"
	"github.com/mistakeknot/huddle/internal/media/livekit"
	"github.com/mistakeknot/huddle/internal/names"
	"github.com/mistakeknot/huddle/internal/transcribe"
	"github.com/mistakeknot/huddle/internal/transcript"
	"github.com/mistakeknot/huddle/internal/tts"
)

func workerCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an agent worker that claims and runs coaching sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireTextGen(); err != nil {
				return err
			}
			if id == "" {
				id = cfg.WorkerID
			}
			if id = names.Sanitize(id); id == "" {
				id = names.Worker()
			}
			logger := slog.Default().With("component", "worker", "worker_id", id)

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.stop()

			sub, err := subscriber(cfg, st, id, logger)
			if err != nil {
				return err
			}
			deps, closeDeps, err := agentDeps(cfg, st, logger)
			if err != nil {
				return err
			}
			defer closeDeps()

			hs, err := health.Listen(cfg.HealthAddr, logger)
			if err != nil {
				return err
			}
			go func() {
				if err := hs.Serve(); err != nil {
					logger.Warn("health endpoint stopped", "error", err)
				}
			}()
			defer hs.Stop()

			w := agent.NewWorker(id, sub, deps, cfg.Agent)
			hs.SetServing(true)
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker identity (default $HUDDLE_WORKER_ID or a generated name)")
	return cmd
}

func subscriber(cfg *config.Config, st *openedStore, id string, logger *slog.Logger) (bus.Subscriber, error) {
	if cfg.Bus == config.BusRedis {
		if st.redis == nil {
			return nil, errors.New("redis bus needs the redis store")
		}
		return redisbus.New(st.redis.Client(), redisbus.DefaultChannel), nil
	}
	key := cfg.APIKey
	if key == "" && cfg.KeysFile != "" {
		if _, err := os.Stat(cfg.KeysFile); err == nil {
			ring, err := auth.LoadKeyring(cfg.KeysFile)
			if err != nil {
				return nil, err
			}
			key = ring.KeyFor(auth.RoleWorker)
		}
	}
	return client.NewSubscriber(cfg.BusURL, id,
		client.WithSubscriberAPIKey(key),
		client.WithSubscriberLogger(logger),
	), nil
}

// agentDeps builds the external collaborators. Transcription and speech are
// optional; without them a session runs on data messages and text replies.
func agentDeps(cfg *config.Config, st *openedStore, logger *slog.Logger) (agent.Deps, func(), error) {
	var providers []*llm.Provider
	for _, name := range cfg.TextGen.Providers {
		switch {
		case name == "openai" && cfg.TextGen.OpenAIKey != "":
			providers = append(providers, llm.NewOpenAI(cfg.TextGen.OpenAIKey, cfg.TextGen.OpenAIModel))
		case name == "gemini" && cfg.TextGen.GeminiKey != "":
			providers = append(providers, llm.NewGemini(cfg.TextGen.GeminiKey, cfg.TextGen.GeminiModel))
		}
	}

	archive, err := transcript.New(transcript.Config{Dir: cfg.ArchiveDir, QueueSize: cfg.ArchiveQueue}, logger)
	if err != nil {
		return agent.Deps{}, nil, fmt.Errorf("transcript archive: %w", err)
	}
	deps := agent.Deps{
		Store:     st,
		Connector: livekit.Connector{},
		Generator: llm.NewChain(logger, providers...),
		Archive:   archive,
		Logger:    logger,
	}
	if cfg.Deepgram.APIKey != "" {
		opts := []transcribe.Option{transcribe.WithLogger(logger)}
		if cfg.Deepgram.Model != "" {
			opts = append(opts, transcribe.WithModel(cfg.Deepgram.Model))
		}
		deps.Transcriber = transcribe.NewDeepgram(cfg.Deepgram.APIKey, opts...)
	} else {
		logger.Warn("DEEPGRAM_API_KEY not set, participant audio will not be transcribed")
	}
	if cfg.ElevenLabs.APIKey != "" {
		deps.Synthesizer = tts.NewElevenLabs(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.Model)
	} else {
		logger.Warn("ELEVENLABS_API_KEY not set, replies are sent as text")
	}
	return deps, func() { archive.Close() }, nil
}
