package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/m3rciful/callcenter-bots/bots/calls"
	"github.com/m3rciful/callcenter-bots/bots/flashcall"
	"github.com/m3rciful/callcenter-bots/bots/stats"
	"github.com/m3rciful/callcenter-bots/core/bootstrap"
	corecmd "github.com/m3rciful/callcenter-bots/core/cmd"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	err := corecmd.Run(corecmd.Options{
		ConfigEnvVar:      "CALLBOTS_CONFIG",
		DefaultConfigPath: "config.yaml",
		Modules: []bootstrap.Module{
			calls.Module{},
			flashcall.Module{},
			stats.Module{},
		},
	})
	if err != nil {
		log.Fatal(err)
	}
}
