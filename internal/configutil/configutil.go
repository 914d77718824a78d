// Package configutil resolves settings that may arrive as a cobra flag or a
// viper key, flags winning when explicitly set.
package configutil

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func FlagOrViperString(cmd *cobra.Command, flag, key string) string {
	if cmd != nil && cmd.Flags().Changed(flag) {
		v, err := cmd.Flags().GetString(flag)
		if err == nil {
			return v
		}
	}
	if key == "" {
		return ""
	}
	return viper.GetString(key)
}

func FlagOrViperStringArray(cmd *cobra.Command, flag, key string) []string {
	if cmd != nil && cmd.Flags().Changed(flag) {
		v, err := cmd.Flags().GetStringArray(flag)
		if err == nil {
			return v
		}
	}
	if key == "" {
		return nil
	}
	return viper.GetStringSlice(key)
}

func FlagOrViperDuration(cmd *cobra.Command, flag, key string) time.Duration {
	if cmd != nil && cmd.Flags().Changed(flag) {
		v, err := cmd.Flags().GetDuration(flag)
		if err == nil {
			return v
		}
	}
	if key == "" {
		return 0
	}
	return viper.GetDuration(key)
}

func FlagOrViperInt(cmd *cobra.Command, flag, key string) int {
	if cmd != nil && cmd.Flags().Changed(flag) {
		v, err := cmd.Flags().GetInt(flag)
		if err == nil {
			return v
		}
	}
	if key == "" {
		return 0
	}
	return viper.GetInt(key)
}
