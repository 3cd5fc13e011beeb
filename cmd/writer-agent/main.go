package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/RoboFinSystems/robosystems-sub001/cmd/writer-agent/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("writer-agent exited with error")
		os.Exit(1)
	}
}
