package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"requiem/internal/store/postgres"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runctl",
	Short: "runctl is the operator tool for the requiem script-execution engine",
	Long: `runctl is the command-line interface for the requiem sandboxed
script-execution engine.

requiem compiles and runs analyst-authored scripts against forensic evidence
inside isolated, resource-bounded containers. Workers pull queued runs, drive
them through build and run phases, and record every outcome on the run ledger.

Common workflows:

  Register an evidence file:
    runctl evidence add --uid ev-001 --case case-42 --path /data/disk.img

  Submit a script run:
    runctl submit --script detect.py --name "detector" --language python --evidence ev-001

  Check run status:
    runctl status <run-id>

  Cancel a running script:
    runctl cancel <run-id>

  Read the combined output:
    runctl logs <run-id>

Configuration:
  Set the database connection via environment variable or flag:
    REQUIEM_DATABASE_URL    PostgreSQL connection string`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "REQUIEM_VARNAME"
	viper.SetEnvPrefix("REQUIEM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runctl.yaml)")

	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
}

// openStore connects to the run ledger database.
func openStore(ctx context.Context) (*postgres.Store, error) {
	dbURL := viper.GetString("database_url")
	if dbURL == "" {
		return nil, fmt.Errorf("database connection not configured: set --database-url or REQUIEM_DATABASE_URL")
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return postgres.New(openCtx, dbURL)
}
