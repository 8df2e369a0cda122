// Package terminal is the interactive CLI front end for the agent.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/agent"
)

// Verbosity controls how much tool activity is printed between model
// replies.
type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// ParseVerbosity validates a verbosity flag value.
func ParseVerbosity(s string) (Verbosity, error) {
	switch Verbosity(s) {
	case VerbosityNone, VerbosityInfo, VerbosityAll:
		return Verbosity(s), nil
	}
	return "", fmt.Errorf("invalid verbosity %q (expected none, info or all)", s)
}

// LogLevel maps the verbosity onto the logger level: tool-level detail
// also turns on the debug log sites in the agent and provider clients.
func (v Verbosity) LogLevel() zerolog.Level {
	switch v {
	case VerbosityAll:
		return zerolog.DebugLevel
	case VerbosityInfo:
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// Terminal handles the interactive session: it reads user turns, runs
// them through the agent and prints the replies.
type Terminal struct {
	agent     *agent.Agent
	in        io.Reader
	out       io.Writer
	stream    bool
	verbosity Verbosity
}

// New creates a Terminal reading from in and writing to out.
func New(a *agent.Agent, in io.Reader, out io.Writer, stream bool, verbosity Verbosity) *Terminal {
	t := &Terminal{
		agent:     a,
		in:        in,
		out:       out,
		stream:    stream,
		verbosity: verbosity,
	}
	a.SetHooks(agent.Hooks{
		OnToolCall: func(name string, args map[string]interface{}) {
			switch t.verbosity {
			case VerbosityAll:
				fmt.Fprintf(t.out, "Turtle wants to call tool `%s` with args: %v\n", name, args)
			case VerbosityInfo:
				fmt.Fprintf(t.out, "Turtle wants to call tool `%s`\n", name)
			}
		},
		OnToolResult: func(name, result string, err error) {
			if t.verbosity == VerbosityAll {
				fmt.Fprintf(t.out, "Tool `%s` output: %s\n", name, result)
			}
		},
	})
	return t
}

// Run starts the interactive loop. An optional initial prompt is
// processed before reading from the input. EOF or an exit command ends
// the session.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(t.in)
	for {
		fmt.Fprint(t.out, "You: ")
		if !scanner.Scan() {
			break
		}

		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}

		switch userInput {
		case "exit", "quit":
			return scanner.Err()
		case "reset":
			t.agent.Reset(true)
			fmt.Fprintln(t.out, "Conversation cleared.")
			continue
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}

	return scanner.Err()
}

// processTurn handles a single user input turn.
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	if t.stream {
		fmt.Fprint(t.out, "Turtle: ")
		for fragment, err := range t.agent.RunStream(ctx, userInput) {
			if err != nil {
				fmt.Fprintln(t.out)
				return err
			}
			fmt.Fprint(t.out, fragment)
		}
		fmt.Fprintln(t.out)
		return nil
	}

	answer, err := t.agent.Run(ctx, userInput)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.out, "Turtle: %s\n", answer)
	return nil
}
