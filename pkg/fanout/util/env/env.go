/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package env reads typed process settings from environment variables, logging where each value came from.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/go-logr/logr"
)

// lookup returns the value of key, falling back to defaultVal when the variable is unset or fails to parse.
func lookup[T any](key string, defaultVal T, parser func(string) (T, error), logger logr.Logger) T {
	raw, exists := os.LookupEnv(key)
	if !exists {
		logger.Info("Environment variable not set, using default value", "key", key, "defaultValue", defaultVal)
		return defaultVal
	}

	parsed, err := parser(raw)
	if err != nil {
		logger.Info(fmt.Sprintf("Failed to parse environment variable as %s, using default value", reflect.TypeOf(defaultVal)),
			"key", key, "rawValue", raw, "error", err, "defaultValue", defaultVal)
		return defaultVal
	}

	logger.Info("Loaded environment variable", "key", key, "value", parsed)
	return parsed
}

// GetEnvInt gets an int from an environment variable with a default value.
func GetEnvInt(key string, defaultVal int, logger logr.Logger) int {
	return lookup(key, defaultVal, strconv.Atoi, logger)
}

// GetEnvBool gets a bool from an environment variable with a default value.
func GetEnvBool(key string, defaultVal bool, logger logr.Logger) bool {
	return lookup(key, defaultVal, strconv.ParseBool, logger)
}

// GetEnvDuration gets a time.Duration from an environment variable with a default value.
func GetEnvDuration(key string, defaultVal time.Duration, logger logr.Logger) time.Duration {
	return lookup(key, defaultVal, time.ParseDuration, logger)
}

// GetEnvString gets a string from an environment variable with a default value. An empty value counts as set.
func GetEnvString(key string, defaultVal string, logger logr.Logger) string {
	return lookup(key, defaultVal, func(s string) (string, error) { return s, nil }, logger)
}
