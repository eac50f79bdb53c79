package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"burrowos/kernel/kfmt"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "vmmctl",
	Short: "Inspect and exercise the burrowos virtual-memory manager",
	Long: `vmmctl boots the simulated i386 machine, brings up paging and drives
the virtual-memory manager through demand-zero, demand-paging and
copy-on-write workloads.

Commands:
  boot           Bring up paging and report the physical memory map
  demo           Run the fault-handling workloads and print a trace
  regions        List live regions after the demo workload
  vmos           List live VMObjects after the demo workload
  checksum       Fingerprint every populated frame
  snapshot save  Write a compressed image of physical memory
  snapshot info  Report the manifest and image size of a snapshot`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			kfmt.SetOutput(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./vmmctl.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable kernel diagnostics on stderr")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(
		bootCmd,
		demoCmd,
		regionsCmd,
		vmosCmd,
		checksumCmd,
		snapshotCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("vmmctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("VMMCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
