// Package logging constructs the process-wide structured logger.
package logging

import "go.uber.org/zap"

// New builds a zap logger appropriate to the environment name
// ("production" gets JSON output and info level; anything else gets
// the human-readable development encoder at debug level).
func New(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
