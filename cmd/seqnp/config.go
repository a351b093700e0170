package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "SEQNP_"

// envName maps a flag name to its environment variable, e.g.
// max-concurrent -> SEQNP_MAX_CONCURRENT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnv fills every flag not given on the command line from its
// environment variable. It returns the names of all flags that ended up set.
func applyEnv(fs *flag.FlagSet) (map[string]bool, error) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || firstErr != nil {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			firstErr = err
			return
		}
		set[f.Name] = true
	})
	return set, firstErr
}

// loadEnvFile loads the first .env found in the working directory or up to
// four of its parents. Variables already in the environment win.
func loadEnvFile() error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return godotenv.Load(envPath)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}
