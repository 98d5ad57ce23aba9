package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lh/yiana/configs"
	"github.com/lh/yiana/internal/config"
	"github.com/lh/yiana/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the repository and user configuration files.

Configuration precedence (lowest to highest):
  1. Defaults
  2. User config (~/.config/yiana/config.yaml)
  3. Repository config (<root>/.yiana.yaml)
  4. Environment variables (YIANA_*, also read from .env)

Subcommands act on the repository file unless --user is given.`,
		Example: `  # Write an annotated repository config
  yiana config init

  # Show effective configuration
  yiana config show

  # Restore the newest backup of the user config
  yiana config restore --user`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigRestoreCmd())

	return cmd
}

// configTarget returns the repository or user config file path.
func configTarget(user bool) (string, error) {
	if user {
		return config.GetUserConfigPath(), nil
	}
	root, err := resolveRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, config.ProjectFileName), nil
}

func newConfigInitCmd() *cobra.Command {
	var user, force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Write an annotated configuration file showing the defaults.

If the file already exists, --force upgrades it instead: the current file
is backed up, options added since it was written are filled in with their
defaults, and existing settings are kept.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configTarget(user)
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout(), false)

			if _, err := os.Stat(path); err == nil {
				if !force {
					out.Warning("Configuration already exists")
					out.Statusf(" ", "Location: %s", path)
					out.Status(" ", "Use --force to upgrade with new defaults (keeps your settings)")
					return nil
				}
				return runConfigUpgrade(out, path)
			}

			if err := writeTemplate(path, configs.Template(user)); err != nil {
				return err
			}
			out.Success("Created configuration")
			out.Statusf(" ", "Location: %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Act on the user config instead of the repository config")
	cmd.Flags().BoolVar(&force, "force", false, "Upgrade an existing file with new defaults")
	return cmd
}

// runConfigUpgrade backs up the file at path, merges new defaults into it
// and writes it back.
func writeTemplate(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func runConfigUpgrade(out *output.Writer, path string) error {
	backupPath, err := config.Backup(path, time.Now())
	if err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	// The bare decode names the options the file lacks; the decode over
	// defaults is what gets written, so unset booleans keep their defaults.
	var existing config.Config
	if err := yaml.Unmarshal(data, &existing); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	added := existing.MergeNewDefaults()

	upgraded := config.NewConfig()
	if err := yaml.Unmarshal(data, upgraded); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := upgraded.WriteYAML(path); err != nil {
		return fmt.Errorf("failed to write upgraded config: %w", err)
	}

	out.Success("Configuration upgraded")
	out.Statusf(" ", "Location: %s", path)
	out.Statusf(" ", "Backup:   %s", backupPath)
	if len(added) == 0 {
		out.Status("✓", "Already up to date")
		return nil
	}
	out.Status("+", "New options added with defaults:")
	for _, field := range added {
		out.Statusf(" ", "  - %s", field)
	}
	return nil
}

func newConfigShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		source     string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show configuration",
		Long: `Show the effective configuration (--source merged, the default), or
the content of a single layer: user, project or defaults.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, jsonOutput, source)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&source, "source", "merged", "Config source: merged, user, project, defaults")
	return cmd
}

func runConfigShow(cmd *cobra.Command, jsonOutput bool, source string) error {
	out := output.New(cmd.OutOrStdout(), false)

	var (
		cfg  *config.Config
		desc string
	)
	switch source {
	case "merged":
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg, desc = loaded, "merged (defaults + user + repository + env)"

	case "user", "project":
		path, err := configTarget(source == "user")
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			out.Warningf("No %s configuration file found", source)
			out.Statusf(" ", "Expected at: %s", path)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg = config.NewConfig()
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		desc = fmt.Sprintf("%s (%s)", source, path)

	case "defaults":
		cfg, desc = config.NewConfig(), "defaults"

	default:
		return fmt.Errorf("invalid source: %s (use: merged, user, project, defaults)", source)
	}

	if jsonOutput {
		data, err := cfg.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}

	out.Statusf("→", "Configuration source: %s", desc)
	out.Newline()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))
	return err
}

func newConfigPathCmd() *cobra.Command {
	var user bool

	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configTarget(user)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Print the user config path")
	return cmd
}

func newConfigRestoreCmd() *cobra.Command {
	var (
		user bool
		list bool
	)

	cmd := &cobra.Command{
		Use:   "restore [backup]",
		Short: "Restore a configuration backup",
		Long: `Replace the configuration file with a backup, newest by default. The
current file is backed up first. Use --list to see available backups.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configTarget(user)
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout(), false)

			backups, err := config.ListBackups(path)
			if err != nil {
				return err
			}
			if list {
				for _, b := range backups {
					out.Status(" ", b)
				}
				return nil
			}

			var chosen string
			switch {
			case len(args) == 1:
				chosen = args[0]
			case len(backups) > 0:
				chosen = backups[0]
			default:
				out.Warning("No backups found")
				return nil
			}

			if err := config.Restore(path, chosen, time.Now()); err != nil {
				return err
			}
			out.Successf("Restored %s", path)
			out.Statusf(" ", "From: %s", chosen)
			return nil
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Act on the user config")
	cmd.Flags().BoolVar(&list, "list", false, "List backups, newest first")
	return cmd
}
