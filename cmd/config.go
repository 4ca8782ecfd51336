package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/replica/internal/config"
	"github.com/marcus/replica/internal/output"
)

// validConfigKeys lists the supported config keys for set/get.
var validConfigKeys = []string{
	"server_url",
	"push_url",
	"identity",
	"db_path",
	"backend",
	"entities",
	"log_level",
	"log_format",
	"http_timeout",
	"api_key",
}

func isValidConfigKey(key string) bool {
	for _, k := range validConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}

var errServerURLRequired = errors.New("server URL is required")

func validateURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errServerURLRequired
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid URL %q", s)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return nil
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// configForm holds the values bound to the init form.
type configForm struct {
	ServerURL string
	PushURL   string
	Identity  string
	Backend   string
	Entities  string
	LogLevel  string
}

func newConfigForm(cfg *config.Config) *configForm {
	f := &configForm{
		ServerURL: cfg.ServerURL,
		PushURL:   cfg.PushURL,
		Identity:  cfg.Identity,
		Backend:   cfg.Backend,
		Entities:  config.FormatEntities(cfg.Entities),
		LogLevel:  cfg.LogLevel,
	}
	if f.ServerURL == "" {
		f.ServerURL = config.ServerURL()
	}
	if f.Backend == "" {
		f.Backend = "sqlite"
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	return f
}

func (f *configForm) form() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Value(&f.ServerURL).
				Placeholder("https://sync.example.com").
				Validate(validateURL),
			huh.NewInput().
				Title("Push URL").
				Description("Leave empty to use the server URL").
				Value(&f.PushURL).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					return validateURL(s)
				}),
			huh.NewInput().
				Title("Identity").
				Description("Channels are derived from it; empty uses this device's id").
				Value(&f.Identity),
			huh.NewInput().
				Title("Entities").
				Value(&f.Entities).
				Placeholder("tasks, notes:2"),
		).Title("replica"),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Local store").
				Options(
					huh.NewOption("SQLite", "sqlite"),
					huh.NewOption("Pebble", "pebble"),
				).
				Value(&f.Backend),
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info", "info"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&f.LogLevel),
		).Title("Advanced"),
	).WithTheme(huh.ThemeDracula())
}

// apply copies the form values into cfg, keeping configured roots for
// entities that are still listed.
func (f *configForm) apply(cfg *config.Config) {
	cfg.ServerURL = strings.TrimSpace(f.ServerURL)
	cfg.PushURL = strings.TrimSpace(f.PushURL)
	cfg.Identity = strings.TrimSpace(f.Identity)
	cfg.Backend = f.Backend
	cfg.LogLevel = f.LogLevel
	cfg.Entities = mergeEntities(cfg.Entities, config.ParseEntities(f.Entities))
}

func mergeEntities(old, next []config.Entity) []config.Entity {
	roots := make(map[string]string, len(old))
	for _, e := range old {
		roots[e.Name] = e.Root
	}
	for i := range next {
		next[i].Root = roots[next[i].Name]
	}
	return next
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage replica configuration",
	GroupID: "system",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or edit the config interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		f := newConfigForm(cfg)
		if err := f.form().Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Aborted.")
				return nil
			}
			output.Error("%v", err)
			return err
		}
		f.apply(cfg)
		if err := config.Save(cfg); err != nil {
			output.Error("save config: %v", err)
			return err
		}
		path, _ := config.Path()
		output.Success("wrote %s", path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if !isValidConfigKey(key) {
			output.Error("unknown config key: %s", key)
			fmt.Println("Valid keys:", strings.Join(validConfigKeys, ", "))
			return fmt.Errorf("unknown config key: %s", key)
		}

		if key == "api_key" {
			a, err := config.LoadAuth()
			if err != nil {
				output.Error("load auth: %v", err)
				return err
			}
			if a == nil {
				a = &config.Auth{}
			}
			a.APIKey = val
			if err := config.SaveAuth(a); err != nil {
				output.Error("save auth: %v", err)
				return err
			}
			output.Success("api key saved")
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		if err := setConfigValue(cfg, key, val); err != nil {
			output.Error("%v", err)
			return err
		}
		if err := config.Save(cfg); err != nil {
			output.Error("save config: %v", err)
			return err
		}
		output.Success("set %s = %s", key, val)
		return nil
	},
}

func setConfigValue(cfg *config.Config, key, val string) error {
	switch key {
	case "server_url":
		if err := validateURL(val); err != nil {
			return err
		}
		cfg.ServerURL = val
	case "push_url":
		if val != "" {
			if err := validateURL(val); err != nil {
				return err
			}
		}
		cfg.PushURL = val
	case "identity":
		cfg.Identity = val
	case "db_path":
		cfg.DBPath = val
	case "backend":
		switch strings.ToLower(val) {
		case "sqlite", "pebble":
			cfg.Backend = strings.ToLower(val)
		default:
			return fmt.Errorf("invalid backend %q (use sqlite or pebble)", val)
		}
	case "entities":
		cfg.Entities = mergeEntities(cfg.Entities, config.ParseEntities(val))
	case "log_level":
		cfg.LogLevel = val
	case "log_format":
		cfg.LogFormat = val
	case "http_timeout":
		cfg.HTTPTimeout = val
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"list"},
	Short:   "Show effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		path, _ := config.Path()
		dbPath, err := config.DBPath()
		if err != nil {
			return fail(jsonOut, err)
		}
		identity, err := config.Identity()
		if err != nil {
			return fail(jsonOut, err)
		}
		var entities []string
		for _, spec := range config.Endpoints() {
			entities = append(entities, fmt.Sprintf("%s -> %s (priority %d)", spec.Entity, spec.RemoteRoot, spec.Priority))
		}

		apiKey := "(not set)"
		if config.APIKey() != "" {
			apiKey = "(set)"
		}
		settings := []struct{ Key, Value string }{
			{"config_file", path},
			{"server_url", config.ServerURL()},
			{"push_url", config.PushURL()},
			{"identity", identity},
			{"backend", config.Backend()},
			{"db_path", dbPath},
			{"log_level", config.LogLevel().String()},
			{"log_format", config.LogFormat()},
			{"http_timeout", config.HTTPTimeout().String()},
			{"api_key", apiKey},
		}

		if jsonOut {
			out := make(map[string]any, len(settings)+1)
			for _, s := range settings {
				out[s.Key] = s.Value
			}
			out["entities"] = config.Endpoints()
			return output.JSON(out)
		}
		for _, s := range settings {
			fmt.Printf("%-14s %s\n", s.Key+":", s.Value)
		}
		fmt.Print(output.SectionHeader("entities"))
		if len(entities) == 0 {
			fmt.Println("  (none)")
		}
		for _, e := range entities {
			fmt.Println("  " + e)
		}
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "JSON output")
	configCmd.AddCommand(configInitCmd, configSetCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
