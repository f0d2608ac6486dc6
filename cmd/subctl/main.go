// Command subctl is the operator tool for the subscription service.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd(defaultEnv()).Execute(); err != nil {
		log.Error().Err(err).Msg("subctl failed")
		os.Exit(1)
	}
}
