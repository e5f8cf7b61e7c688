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
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/carverauto/routervault/pkg/config"
	"github.com/carverauto/routervault/pkg/core"
	"github.com/carverauto/routervault/pkg/lifecycle"
	"github.com/carverauto/routervault/pkg/registry"
	"github.com/carverauto/routervault/pkg/vault"
)

const keyEnv = "ROUTERVAULT_VAULT_KEY"

var (
	errNoSecret  = errors.New("no secret on stdin")
	errNewKey    = errors.New("rekey requires -new-key or -new-key-file")
	errRekeyFail = errors.New("some credentials could not be re-encrypted")
)

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: routervault [command] [flags]

Commands:
  serve     run the backup daemon (default)
  encrypt   read a password on stdin and print its vault blob
  rekey     re-encrypt stored credentials under a new vault key
  genkey    print a new random vault key
  version   print the build version

Run "routervault <command> -h" for the flags of a command.
`)
}

func keyFlags(fs *flag.FlagSet, prefix string) *vault.KeyConfig {
	cfg := &vault.KeyConfig{}

	fs.StringVar(&cfg.Key, prefix+"key", "", "vault key, hex or base64")
	fs.StringVar(&cfg.KeyFile, prefix+"key-file", "", "file holding the vault key")
	fs.StringVar(&cfg.Passphrase, prefix+"passphrase", "", "passphrase to derive the vault key from")
	fs.StringVar(&cfg.Salt, prefix+"salt", "", "salt for the passphrase")

	return cfg
}

func openVault(cfg vault.KeyConfig) (*vault.Vault, error) {
	key, err := vault.LoadKey(cfg)
	if err != nil {
		return nil, err
	}

	return vault.New(key)
}

// encryptCmd seals the first line of in. The key comes from flags or, when
// none is given, from ROUTERVAULT_VAULT_KEY.
func encryptCmd(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
	keyCfg := keyFlags(fs, "")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *keyCfg == (vault.KeyConfig{}) {
		keyCfg.Key = os.Getenv(keyEnv)
	}

	v, err := openVault(*keyCfg)
	if err != nil {
		return err
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return errNoSecret
	}

	blob, err := v.EncryptString(secret)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, blob)

	return err
}

// rekeyCmd re-encrypts every credential in the configured registry and
// prints re-encrypted blobs for the seed devices of the config file.
func rekeyCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rekey", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to routervault config file")
	newKey := keyFlags(fs, "new-")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *newKey == (vault.KeyConfig{}) {
		return errNewKey
	}

	var cfg core.Config

	if err := config.NewConfig(nil).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	log, err := lifecycle.CreateComponentLogger("rekey", cfg.Logging)
	if err != nil {
		return err
	}

	oldVault, err := openVault(cfg.Vault)
	if err != nil {
		return fmt.Errorf("current key: %w", err)
	}

	newVault, err := openVault(*newKey)
	if err != nil {
		return fmt.Errorf("new key: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	store, err := registry.Open(ctx, cfg.Registry, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return rekey(ctx, store, cfg.Devices, oldVault, newVault, out)
}

func rekey(ctx context.Context, store registry.Store, seeds []core.SeedDevice, oldVault, newVault *vault.Vault, out io.Writer) error {
	devices, err := store.List(ctx)
	if err != nil {
		return err
	}

	failed := 0

	for _, d := range devices {
		blob, err := vault.Rekey(oldVault, newVault, d.EncryptedPassword)
		if err != nil {
			fmt.Fprintf(out, "registry %s: %v\n", d.Name, err)
			failed++

			continue
		}

		d.EncryptedPassword = blob
		d.UpdatedAt = time.Now().UTC()

		if err := store.Put(ctx, d); err != nil {
			return fmt.Errorf("store %s: %w", d.Name, err)
		}

		fmt.Fprintf(out, "registry %s: re-encrypted\n", d.Name)
	}

	for _, sd := range seeds {
		blob, err := vault.Rekey(oldVault, newVault, sd.EncryptedPassword)
		if err != nil {
			fmt.Fprintf(out, "seed %s: %v\n", sd.Name, err)
			failed++

			continue
		}

		fmt.Fprintf(out, "seed %s: %s\n", sd.Name, blob)
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d", errRekeyFail, failed)
	}

	return nil
}

func genkeyCmd(out io.Writer) error {
	key, err := vault.GenerateKey()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, key)

	return err
}
