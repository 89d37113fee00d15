package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/almasync/am"
	"github.com/teranos/almasync/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and validate almasync configuration",
	Long: sym.AM + ` am - almasync configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/almasync/am.toml)
3. User config (~/.almasync/am.toml)
4. Project config (./am.toml, or the file named by ALMASYNC_CONFIG)
5. Environment variables (ALMASYNC_* prefix)

Passwords are masked in every output format.

Examples:
  almasync am show                    # Show current configuration as TOML
  almasync am show --format json      # Show configuration as JSON
  almasync am validate                # Validate current configuration
  almasync am where                   # Show which file was loaded`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return writeConfig(cmd.OutOrStdout(), cfg.Redacted(), configFormat)
}

// writeConfig renders cfg in the given format
func writeConfig(w io.Writer, cfg *am.Config, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Fprintf(w, "# almasync configuration\n%s", string(data))

	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Fprintf(w, "# almasync configuration\n%s", buf.String())

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Configuration is valid (%d DHIS2, %d ALMA instances)\n",
		len(cfg.Instances.DHIS2), len(cfg.Instances.Alma))
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  1. [DEFAULT]  Built-in defaults")
	fmt.Fprintln(out, "  2. [SYSTEM]   /etc/almasync/am.toml")
	fmt.Fprintln(out, "  3. [USER]     ~/.almasync/am.toml")
	fmt.Fprintln(out, "  4. [PROJECT]  ./am.toml or $ALMASYNC_CONFIG")
	fmt.Fprintln(out, "  5. [ENV]      ALMASYNC_* environment variables")
	fmt.Fprintln(out)

	if used := am.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Highest-precedence file loaded: %s\n", used)
	} else {
		fmt.Fprintln(out, "No config file found; using defaults and environment")
	}
	return nil
}
