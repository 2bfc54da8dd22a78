package cmd

import (
	"github.com/spf13/pflag"
)

// bindFlag binds a flag to a config key. Binding only fails for a nil flag,
// which is a programming error.
func bindFlag(flag *pflag.Flag, key string) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
