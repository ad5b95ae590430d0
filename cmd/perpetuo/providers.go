package main

import (
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/provider/anthropic"
	"github.com/gabztoo/Perpetuo/internal/provider/bedrock"
	"github.com/gabztoo/Perpetuo/internal/provider/gemini"
	"github.com/gabztoo/Perpetuo/internal/provider/openaicompat"
	"github.com/gabztoo/Perpetuo/internal/router"
)

// buildProviders creates a client for every enabled catalog provider.
// Bedrock entries are skipped when no AWS configuration is available.
func buildProviders(configs []domain.ProviderConfig, client *http.Client, awsCfg *aws.Config) map[string]router.Provider {
	providers := make(map[string]router.Provider, len(configs))

	for _, pc := range configs {
		if !pc.Enabled {
			continue
		}

		switch pc.Kind {
		case domain.KindAnthropic:
			providers[pc.Name] = anthropic.New(pc.Name, pc.BaseURL, client)
		case domain.KindGemini:
			providers[pc.Name] = gemini.New(pc.Name, pc.BaseURL, client)
		case domain.KindBedrock:
			if awsCfg == nil {
				slog.Warn("skipping provider, aws configuration unavailable", "provider", pc.Name)
				continue
			}
			providers[pc.Name] = bedrock.New(pc.Name, *awsCfg, pc.Region)
		default:
			if pc.BaseURL == "" && openaicompat.DefaultBaseURL(pc.Name) == "" {
				slog.Warn("skipping provider without base URL", "provider", pc.Name)
				continue
			}
			var opts []openaicompat.Option
			for k, v := range pc.Headers {
				opts = append(opts, openaicompat.WithHeader(k, v))
			}
			providers[pc.Name] = openaicompat.New(pc.Name, pc.BaseURL, client, opts...)
		}
		slog.Info("registered provider", "provider", pc.Name, "kind", pc.Kind)
	}

	return providers
}
