package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/llms"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/observability"
	"github.com/modelrelay/modelrelay/pkg/registry"
	"github.com/modelrelay/modelrelay/pkg/server"
	"github.com/modelrelay/modelrelay/pkg/tools"
)

var version = "dev"

type cli struct {
	Config   string           `help:"Path to a yaml configuration file." short:"c" type:"path"`
	LogLevel string           `help:"Log level: debug, info, warn, error." default:""`
	Serve    serveCmd         `cmd:"" help:"Run the HTTP gateway."`
	Run      runCmd           `cmd:"" help:"Execute a single prompt and print the response."`
	Version  kong.VersionFlag `help:"Print the version and exit."`
}

type serveCmd struct{}

type runCmd struct {
	Model    string   `help:"Model id; the provider is inferred from it." short:"m" default:"gpt-4o"`
	System   string   `help:"System prompt." short:"s"`
	Stream   bool     `help:"Stream the response to stdout."`
	ShowCost bool     `help:"Print token usage and cost after the response."`
	Prompt   []string `arg:"" help:"The user prompt."`
}

type cmdContext struct {
	cfg *config.Config
	reg *registry.Registry
}

func main() {
	// Missing .env files are fine; local development convenience only.
	_ = godotenv.Load()

	var c cli
	parsed := kong.Parse(&c,
		kong.Name("modelrelay"),
		kong.Description("Provider-agnostic LLM request gateway."),
		kong.Vars{"version": version},
	)

	if c.LogLevel != "" {
		level, err := logger.ParseLevel(c.LogLevel)
		if err != nil {
			parsed.FatalIfErrorf(err)
		}
		logger.Init(os.Stderr, level)
	} else {
		logger.InitFromEnv()
	}

	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		parsed.FatalIfErrorf(err)
		cfg = loaded
	}

	reg := registry.New()
	if cfg.Pricing.OverridesFile != "" {
		if cfg.Pricing.Watch {
			stop, err := reg.WatchPricingOverrides(cfg.Pricing.OverridesFile)
			parsed.FatalIfErrorf(err)
			defer stop()
		} else {
			parsed.FatalIfErrorf(reg.LoadPricingOverrides(cfg.Pricing.OverridesFile))
		}
	}

	parsed.FatalIfErrorf(parsed.Run(&cmdContext{cfg: cfg, reg: reg}))
}

func (s *serveCmd) Run(cc *cmdContext) error {
	obs, err := observability.NewManager("modelrelay", version)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	metrics, err := observability.NewLLMMetrics()
	if err != nil {
		return err
	}

	opts := []llms.Option{llms.WithCallMetrics(metrics)}
	if cc.cfg.LLM.CostMultiplier > 0 {
		opts = append(opts, llms.WithCostMultiplier(cc.cfg.LLM.CostMultiplier))
	}
	if len(cc.cfg.Keys) > 0 {
		opts = append(opts, llms.WithKeySource(llms.NewRotatingKeySource(cc.cfg.Keys)))
	}
	gateway := llms.NewGateway(cc.reg, tools.NewRegistry(), opts...)

	srv := server.New(cc.cfg, gateway, cc.reg, obs.Registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	return srv.ListenAndServe()
}

func (r *runCmd) Run(cc *cmdContext) error {
	gateway := llms.NewGateway(cc.reg, tools.NewRegistry())

	prompt := ""
	for i, p := range r.Prompt {
		if i > 0 {
			prompt += " "
		}
		prompt += p
	}

	req := &llms.Request{
		Model:        r.Model,
		SystemPrompt: r.System,
		Messages:     []llms.Message{{Role: llms.RoleUser, Content: prompt}},
		MaxTokens:    cc.cfg.LLM.MaxTokens,
		Stream:       r.Stream,
	}

	resp, streaming, err := gateway.ExecuteProviderRequest(context.Background(), "", req)
	if err != nil {
		return err
	}

	if streaming != nil {
		if _, err := io.Copy(os.Stdout, streaming.Stream); err != nil {
			return err
		}
		streaming.Stream.Close()
		fmt.Println()
		resp = streaming.Execution
	} else {
		fmt.Println(resp.Content)
	}

	if r.ShowCost && resp != nil {
		fmt.Fprintf(os.Stderr, "tokens: %d prompt / %d completion", resp.Tokens.Prompt, resp.Tokens.Completion)
		if resp.Cost != nil {
			fmt.Fprintf(os.Stderr, ", cost: %s", llms.FormatCost(&resp.Cost.Total))
		}
		fmt.Fprintln(os.Stderr)
	}
	return nil
}
