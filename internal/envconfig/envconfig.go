// Package envconfig loads a .env overlay for the handful of environment
// variables the SDK reads (CLI discovery path, timeouts) before
// AgentOptions resolution picks them up.
package envconfig

import (
	"os"
	"sync"

	"github.com/joho/godotenv"
)

var loadOnce sync.Once

// Load reads a .env file from the current working directory, if present,
// and applies any keys it defines that are not already set in the process
// environment. Missing or unreadable .env files are not an error — the
// subprocess transport falls back to its existing environment-variable
// discovery chain either way.
func Load() {
	loadOnce.Do(load)
}

func load() {
	vars, err := godotenv.Read()
	if err != nil {
		return
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); !set {
			os.Setenv(k, v)
		}
	}
}
