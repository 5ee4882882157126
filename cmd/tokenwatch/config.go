package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokenwatch/monitor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Inspect the configuration tokenwatch would run with`,
}

var configInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show configuration information",
	Long:  `Display the effective configuration: defaults, config.json, and TOKENWATCH_* environment overrides`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Println("tokenwatch Configuration")
		fmt.Println("========================")
		fmt.Printf("Persist path:            %s\n", cfg.PersistPath)
		fmt.Printf("API address:             %s\n", cfg.APIAddress)
		fmt.Printf("Metrics address:         %s\n", cfg.MetricsAddress)
		fmt.Printf("Real-time detection:     %t\n", cfg.EnableRealTimeDetection)
		fmt.Printf("Cap enforcement:         %t\n", cfg.EnableCapEnforcement)
		fmt.Printf("Alerting:                %t\n", cfg.EnableAlerting)
		fmt.Printf("Invasive actions:        %t\n", cfg.EnableInvasiveActions)
		fmt.Printf("System command actions:  %t\n", cfg.EnableSystemCommand)
		fmt.Printf("Update interval:         %s\n", cfg.UpdateInterval())
		fmt.Printf("Retention period:        %s\n", cfg.RetentionPeriod())
		fmt.Printf("Check interval:          %s\n", cfg.CheckInterval())
		fmt.Printf("Monitored files:         %v\n", cfg.MonitoredFiles)
		fmt.Printf("Monitored processes:     %v\n", cfg.MonitoredProcesses)
		fmt.Printf("Monitored mux sessions:  %v\n", cfg.MonitoredMultiplexerSessions)
		fmt.Printf("Alert rules loaded:      %d\n", len(cfg.AlertRules))
		fmt.Println()
		fmt.Println("Environment overrides use the TOKENWATCH_* prefix; see internal/config for the full list.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInfoCmd)
}
