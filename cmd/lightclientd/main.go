// lightclientd runs the quorum-replicating connection core against a
// configured set of computor endpoints and logs its sync level and
// inclusion/rejection events.
//
// Usage:
//
//	lightclientd run --config /etc/lightclientd/config.yaml
//	lightclientd run --computor ws://a:21841 --computor ws://b:21841 --computor ws://c:21841
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	root := &cobra.Command{
		Use:   "lightclientd",
		Short: "Quorum-replicating light client core for a computor network",
	}

	var cfgFile string
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	root.AddCommand(runCmd(&cfgFile))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bindViper(cfgFile string, flags *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("LIGHTCLIENTD")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.BindPFlags(flags.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}
