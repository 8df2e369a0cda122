package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/agent"
	"github.com/turtleci/turtle/agent/terminal"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/conversation"
	"github.com/turtleci/turtle/llm"
	"github.com/turtleci/turtle/setup"
	"github.com/turtleci/turtle/tools"
)

func main() {
	setupFlag := flag.Bool("setup", false, "Run the setup wizard")
	streamFlag := flag.Bool("stream", false, "Stream the model's replies as they arrive")
	providerFlag := flag.String("provider", "", "Model provider: openai, anthropic, gemini or bedrock")
	modelFlag := flag.String("model", "", "Model name")
	apiKeyFlag := flag.String("api-key", "", "API key for the provider")
	systemPromptFlag := flag.String("system-prompt", "", "System prompt for the conversation")
	verboseFlag := flag.String("verbose", "none", "Tool activity verbosity: 'none', 'info' or 'all'")
	flag.Parse()

	verbosity, err := terminal.ParseVerbosity(*verboseFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(verbosity.LogLevel())

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}

	wizard := setup.NewWizard(setup.TerminalPrompter{}, wd, logger)
	if *setupFlag || wizard.IsFirstRun() {
		if err := wizard.Run(*setupFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Setup failed: %+v\n", err)
			os.Exit(1)
		}
		if *setupFlag && flag.NArg() == 0 {
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *providerFlag != "" {
		cfg.Provider = *providerFlag
	}
	if *modelFlag != "" {
		cfg.Model = *modelFlag
	}
	if *apiKeyFlag != "" {
		cfg.APIKey = *apiKeyFlag
	}
	if *systemPromptFlag != "" {
		cfg.SystemPrompt = *systemPromptFlag
	}

	if missing := cfg.Missing(); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "Configuration is incomplete; missing: %s\n", strings.Join(missing, ", "))
		fmt.Fprintln(os.Stderr, "Set them in .env or the environment, or run `turtle --setup`.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := llm.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing %s client: %+v\n", cfg.Provider, err)
		os.Exit(1)
	}

	registry, err := tools.NewRegistry(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing tools: %+v\n", err)
		os.Exit(1)
	}
	defer registry.Close()

	conv := conversation.New(conversation.Budget{
		MaxTokens: cfg.MaxContextTokens,
		Model:     cfg.Model,
	})
	if cfg.SystemPrompt != "" {
		if err := conv.SetSystem(cfg.SystemPrompt); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
			os.Exit(1)
		}
	}

	ag := agent.New(client, registry, conv, cfg, logger)

	// A positional prompt runs single-shot; otherwise start the
	// interactive terminal.
	prompt := strings.Join(flag.Args(), " ")
	if prompt != "" {
		if err := runOnce(ctx, ag, prompt, *streamFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Println("Turtle is ready. Type your prompt ('exit' to quit, 'reset' to clear).")
	term := terminal.New(ag, os.Stdin, os.Stdout, *streamFlag, verbosity)
	if err := term.Run(ctx, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Session ended with an error: %+v\n", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, ag *agent.Agent, prompt string, stream bool) error {
	if stream {
		for fragment, err := range ag.RunStream(ctx, prompt) {
			if err != nil {
				fmt.Println()
				return err
			}
			fmt.Print(fragment)
		}
		fmt.Println()
		return nil
	}

	answer, err := ag.Run(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}
