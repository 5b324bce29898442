// Package util holds small environment helpers shared by the other packages.
package util

import (
	"log"
	"os"
	"strconv"
)

const defaultPostgresPort = 5432

// GetDatabasePort reads the `DATABASE_PORT` env var, falling back to
// the Postgres default when unset. An unparseable value quits the
// program, there's nothing sensible to do with a garbage port.
func GetDatabasePort() int {
	portStr := os.Getenv("DATABASE_PORT")
	if portStr == "" {
		return defaultPostgresPort
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("given database port (%s) is not a valid int", portStr)
	}
	return port
}

// GetEnvOrElse returns the value of the given environment variable, or
// the provided default value if the env variable does not exist
func GetEnvOrElse(env string, defaultValue string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return defaultValue
	}
	return found
}
