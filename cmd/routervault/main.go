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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/carverauto/routervault/pkg/config"
	"github.com/carverauto/routervault/pkg/core"
	"github.com/carverauto/routervault/pkg/lifecycle"
	"github.com/carverauto/routervault/pkg/version"
)

const (
	defaultConfigPath = "/etc/routervault/routervault.json"
	closeTimeout      = 15 * time.Second
)

var errFailedToLoadConfig = errors.New("failed to load config")

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "encrypt":
			return encryptCmd(args[1:], os.Stdin, os.Stdout)
		case "rekey":
			return rekeyCmd(ctx, args[1:], os.Stdout)
		case "genkey":
			return genkeyCmd(os.Stdout)
		case "version":
			fmt.Println(version.GetFullVersion())
			return nil
		case "serve":
			args = args[1:]
		case "help", "-h", "--help":
			usage(os.Stdout)
			return nil
		}
	}

	return serve(ctx, args)
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to routervault config file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg core.Config

	if err := config.NewConfig(nil).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	if err := lifecycle.InitializeLogger(cfg.Logging); err != nil {
		return err
	}

	serviceLogger, err := lifecycle.CreateComponentLogger("routervault", cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger.Info().Str("version", version.GetFullVersion()).Msg("Starting routervault")

	if effective, err := config.Sanitize(&cfg); err == nil {
		serviceLogger.Debug().RawJSON("config", effective).Msg("Effective configuration")
	}

	svc, err := core.New(ctx, &cfg, serviceLogger)
	if err != nil {
		return err
	}

	return lifecycle.RunService(ctx, &lifecycle.ServiceOptions{
		ServiceName:     "routervault",
		Service:         svc,
		ShutdownTimeout: time.Duration(cfg.Scheduler.ShutdownGrace) + closeTimeout,
		Logger:          serviceLogger,
	})
}
