// Package setup implements the first-run wizard that collects the
// provider, model and API key and persists them for later runs.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/errors"
	"gopkg.in/yaml.v3"
)

// Prompter is the wizard's interaction capability. It is an interface
// so the flow can be driven from tests without a terminal.
type Prompter interface {
	Select(label string, options []string) (string, error)
	Ask(label string, sensitive bool) (string, error)
	Say(format string, a ...interface{})
}

// TerminalPrompter is the interactive Prompter used in a real terminal.
type TerminalPrompter struct{}

func (TerminalPrompter) Select(label string, options []string) (string, error) {
	prompt := promptui.Select{
		Label: label,
		Items: options,
	}
	_, result, err := prompt.Run()
	return result, err
}

func (TerminalPrompter) Ask(label string, sensitive bool) (string, error) {
	prompt := promptui.Prompt{Label: label}
	if sensitive {
		prompt.Mask = '*'
	}
	return prompt.Run()
}

func (TerminalPrompter) Say(format string, a ...interface{}) {
	fmt.Printf(format+"\n", a...)
}

// providerModels lists the suggested models per provider, shown during
// model selection. The last entry lets the user type a model name not
// in the list.
var providerModels = map[string][]string{
	"openai":    {"gpt-4o", "gpt-4o-mini", "gpt-4-turbo"},
	"anthropic": {"claude-sonnet-4-20250514", "claude-3-5-haiku-latest", "claude-3-opus-latest"},
	"gemini":    {"gemini-1.5-flash", "gemini-1.5-pro"},
	"bedrock":   {"anthropic.claude-3-5-sonnet-20240620-v1:0", "anthropic.claude-3-haiku-20240307-v1:0"},
}

const otherModelOption = "other (enter manually)"

// settings is the slice of .turtle/config.yaml the wizard owns. It is
// read back with the same loose unmarshalling config.Load uses, so
// fields the wizard does not know about survive a re-run untouched.
type settings struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	SetupCompleted bool   `yaml:"setup_completed"`
}

// Wizard collects provider, model and credentials and writes them to
// the project's .env and .turtle/config.yaml.
type Wizard struct {
	prompter Prompter
	dir      string
	logger   zerolog.Logger
}

// NewWizard creates a wizard rooted at dir (usually the working
// directory).
func NewWizard(p Prompter, dir string, logger zerolog.Logger) *Wizard {
	return &Wizard{prompter: p, dir: dir, logger: logger}
}

// IsFirstRun reports whether setup has never completed in this
// directory.
func (w *Wizard) IsFirstRun() bool {
	data, err := os.ReadFile(filepath.Join(w.dir, ".turtle", "config.yaml"))
	if err != nil {
		return true
	}
	var s settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return true
	}
	return !s.SetupCompleted
}

// Run walks the user through the three setup steps and persists the
// result. When force is false and setup already completed, Run is a
// no-op.
func (w *Wizard) Run(force bool) error {
	if !force && !w.IsFirstRun() {
		return nil
	}

	w.prompter.Say("Welcome to Turtle! Let's get you set up.")

	providers := make([]string, 0, len(providerModels))
	for p := range providerModels {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	provider, err := w.prompter.Select("Step 1/3: Choose a provider", providers)
	if err != nil {
		return errors.Wrapf(err, "provider selection failed")
	}

	model, err := w.selectModel(provider)
	if err != nil {
		return err
	}

	apiKey := ""
	if provider == "bedrock" {
		w.prompter.Say("Step 3/3: Bedrock uses AWS credentials from your environment; no API key needed.")
	} else {
		apiKey, err = w.prompter.Ask("Step 3/3: Enter your API key", true)
		if err != nil {
			return errors.Wrapf(err, "API key entry failed")
		}
		if strings.TrimSpace(apiKey) == "" {
			return errors.New("API key must not be empty")
		}
	}

	if err := w.save(provider, model, apiKey); err != nil {
		return err
	}
	w.prompter.Say("Setup complete. Configuration written to .env and .turtle/config.yaml.")
	w.logger.Info().Str("provider", provider).Str("model", model).Msg("setup completed")
	return nil
}

func (w *Wizard) selectModel(provider string) (string, error) {
	options := append([]string{}, providerModels[provider]...)
	options = append(options, otherModelOption)

	model, err := w.prompter.Select("Step 2/3: Choose a model", options)
	if err != nil {
		return "", errors.Wrapf(err, "model selection failed")
	}
	if model != otherModelOption {
		return model, nil
	}

	model, err = w.prompter.Ask("Model name", false)
	if err != nil {
		return "", errors.Wrapf(err, "model entry failed")
	}
	if strings.TrimSpace(model) == "" {
		return "", errors.New("model name must not be empty")
	}
	return strings.TrimSpace(model), nil
}

// save writes the credentials to .env and the non-secret choices plus
// the completion marker to .turtle/config.yaml. Existing entries in
// either file are preserved.
func (w *Wizard) save(provider, model, apiKey string) error {
	envPath := filepath.Join(w.dir, ".env")
	env, err := config.ReadEnvFile(envPath)
	if err != nil {
		return err
	}
	env[config.EnvProvider] = provider
	env[config.EnvModel] = model
	if apiKey != "" {
		env[config.EnvAPIKey] = apiKey
	}
	if err := writeEnvFile(envPath, env); err != nil {
		return err
	}

	turtleDir := filepath.Join(w.dir, ".turtle")
	if err := os.MkdirAll(turtleDir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create %s", turtleDir)
	}

	configPath := filepath.Join(turtleDir, "config.yaml")
	merged := map[string]interface{}{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &merged); err != nil {
			return errors.Wrapf(err, "existing config at %s is not valid YAML", configPath)
		}
	}
	merged["provider"] = provider
	merged["model"] = model
	merged["setup_completed"] = true

	data, err := yaml.Marshal(merged)
	if err != nil {
		return errors.Wrapf(err, "could not encode config")
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return errors.Wrapf(err, "could not write %s", configPath)
	}
	return nil
}

func writeEnvFile(path string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	// The .env file holds the API key; keep it out of other users' reach.
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return errors.Wrapf(err, "could not write %s", path)
	}
	return nil
}
