/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logger

import (
	"os"
	"strconv"
)

// envPrefix scopes the logging variables so they do not collide with other
// tools sharing the host environment. The bare names are still honoured.
const envPrefix = "ROUTERVAULT_"

// DefaultConfig builds a Config from ROUTERVAULT_LOG_LEVEL, ROUTERVAULT_DEBUG,
// ROUTERVAULT_LOG_OUTPUT and ROUTERVAULT_LOG_TIME_FORMAT, falling back to the
// unprefixed names and then to info-level output on stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:      lookupEnv("LOG_LEVEL", "info"),
		Debug:      lookupEnvBool("DEBUG"),
		Output:     lookupEnv("LOG_OUTPUT", "stdout"),
		TimeFormat: lookupEnv("LOG_TIME_FORMAT", ""),
	}
}

func lookupEnv(name, fallback string) string {
	for _, key := range []string{envPrefix + name, name} {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}

	return fallback
}

// lookupEnvBool treats anything strconv.ParseBool rejects as false, except
// the "yes"/"on" spellings operators commonly use in unit files.
func lookupEnvBool(name string) bool {
	value := lookupEnv(name, "")

	switch value {
	case "":
		return false
	case "yes", "on", "YES", "ON":
		return true
	}

	b, err := strconv.ParseBool(value)

	return err == nil && b
}
