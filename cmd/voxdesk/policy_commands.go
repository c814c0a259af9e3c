package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/voxdesk/internal/config"
	"github.com/basket/voxdesk/internal/policy"
	"github.com/basket/voxdesk/internal/shared"
)

func newPolicyCommand(ctx *commandContext) *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and edit the action role table",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective role for every action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			p, err := policy.Load(config.PolicyPath(cfg.HomeDir))
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(p.Actions))
			for _, action := range policy.KnownActions() {
				rows = append(rows, []string{action, strings.Join(p.Actions[action], ", ")})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Action", "Roles"}, rows, nil))
			fmt.Fprintf(out, "version %s\n", p.PolicyVersion())
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <action> <role>...",
		Short: "Replace the roles allowed to invoke an action and write policy.yaml",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := config.PolicyPath(cfg.HomeDir)
			p, err := policy.Load(path)
			if err != nil {
				return err
			}
			lp := policy.NewLivePolicy(p, path)
			if err := lp.SetActionRoles(args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %s\n", lp.PolicyVersion())
			return nil
		},
	}

	policyCmd.AddCommand(showCmd, setCmd)
	return policyCmd
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var node yaml.Node
			if err := node.Encode(cfg); err != nil {
				return err
			}
			maskSecrets(&node)
			out, err := yaml.Marshal(&node)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# home: %s\n# fingerprint: %s\n%s", cfg.HomeDir, cfg.Fingerprint(), out)
			return nil
		},
	}
	configCmd.AddCommand(showCmd)
	return configCmd
}

// maskSecrets replaces non-empty string values whose key names a secret.
func maskSecrets(n *yaml.Node) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if val.Kind == yaml.ScalarNode && val.ShortTag() == "!!str" && val.Value != "" {
				val.Value = shared.RedactEnvValue(key.Value, val.Value)
				continue
			}
			maskSecrets(val)
		}
		return
	}
	for _, c := range n.Content {
		maskSecrets(c)
	}
}
