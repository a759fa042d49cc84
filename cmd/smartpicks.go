package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/saifsoub/smartpicks-trader-sub000/pkg/app"
	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

const banner = `
   _____                      __  ____  _      __
  / ___/____ ___  ____ ______/ /_/ __ \(_)____/ /_______
  \__ \/ __ '__ \/ __ '/ ___/ __/ /_/ / / ___/ //_/ ___/
 ___/ / / / / / / /_/ / /  / /_/ ____/ / /__/ ,< (__  )
/____/_/ /_/ /_/\__,_/_/   \__/_/   /_/\___/_/|_/____/

        Multi-timeframe market decision engine
[]=========================================================================[]
`

var (
	cfgFile string
	cfg     utilities.AppConfig
	logger  *utilities.Logger
)

// rootCmd represents the base command for the SmartPicks CLI.
var rootCmd = &cobra.Command{
	Use:   "smartpicks",
	Short: "SmartPicks automated trading engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("json")
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		level, err := utilities.ParseLogLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger = utilities.NewLogger(level)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(banner)
		application, err := app.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			logger.LogWarn("Received signal: %v, initiating graceful shutdown.", sig)
			cancel()
		}()

		if err := application.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

// backtestCmd replays the configured strategy over generated candles.
var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run the strategy simulator and persist the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		defer application.Stop()
		results, err := application.RunBacktests()
		for _, r := range results {
			fmt.Println(r.Summary())
		}
		return err
	},
}

// Execute runs the root command.
func Execute() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.json", "config file (default is config/config.json)")
	rootCmd.AddCommand(backtestCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
