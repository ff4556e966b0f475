package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "bonsaictl",
	Short: "Inspect bonsai files on disk",
}

func init() {
	klog.InitFlags(nil)
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("file", "", "path to the bonsai data directory")
	rootCmd.PersistentFlags().Int64("page-size", 0, "override the default page size in bytes")
	rootCmd.PersistentFlags().Int("bucket-size", 0, "override the default max bucket size in bytes")
	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.bonsaictl.yaml)")

	viper.BindPFlag("file", rootCmd.PersistentFlags().Lookup("file"))
	viper.BindPFlag("page_size", rootCmd.PersistentFlags().Lookup("page-size"))
	viper.BindPFlag("bucket_size", rootCmd.PersistentFlags().Lookup("bucket-size"))

	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(freelistCmd)
	rootCmd.AddCommand(dumpCmd)
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".bonsaictl")
		viper.AddConfigPath("$HOME")
	}
	viper.SetEnvPrefix("BONSAICTL")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		klog.V(2).Infof("bonsaictl: using config file %s", viper.ConfigFileUsed())
	}
}
