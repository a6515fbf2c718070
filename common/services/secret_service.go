package services

import (
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// LiftENV loads a local .env file into the process environment. A missing file
// is fine, the environment may already be populated.
func LiftENV(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		log.Warn().Err(err).Msg("No .env file loaded, using process environment")
	} else {
		log.Info().Msg("Successfully loaded environment variables")
	}
}
