package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sentinel-hq/arbiter/pkg/config"
	"sentinel-hq/arbiter/pkg/rules"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and rule files",
	Long: `Validate the configuration file, the referenced rule files, and the
workflow definitions without starting the server.

Examples:
  arbiter validate
  arbiter validate --config /etc/arbiter/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Printf("configuration valid: %s\n", cfgFile)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.Rules.Path != "" {
		source := rules.NewFileSource(cfg.Rules.Path)
		tenants, err := source.Tenants(ctx)
		if err != nil {
			return fmt.Errorf("rule files invalid: %w", err)
		}

		total := 0
		for _, tenant := range tenants {
			policyRules, detections, err := source.LoadRules(ctx, tenant)
			if err != nil {
				return fmt.Errorf("rules for tenant %s invalid: %w", tenant, err)
			}
			total += len(policyRules) + len(detections)
		}
		fmt.Printf("rule files valid: %d tenants, %d rules\n", len(tenants), total)
	}

	if cfg.Deliberation.Enabled {
		if _, err := cfg.BuildRegistry(); err != nil {
			return fmt.Errorf("workflows invalid: %w", err)
		}
		fmt.Printf("workflows valid: %d workflows, %d personas\n",
			len(cfg.Deliberation.Workflows), len(cfg.Deliberation.Personas))
	}

	return nil
}
