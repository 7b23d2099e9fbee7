package main

import (
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnv overrides every flag not set on the command line with its
// RELAYMAP_* environment variable, e.g. --store-uri from RELAYMAP_STORE_URI.
func applyEnv(flags *flag.FlagSet, lookup func(string) (string, bool)) error {
	var errs []error
	flags.VisitAll(func(f *flag.Flag) {
		if f.Changed {
			return
		}
		v, ok := lookup(envName(f.Name))
		if !ok {
			return
		}
		if err := flags.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}
