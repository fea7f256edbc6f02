// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package secrets keeps embedding API keys in the OS keyring and resolves
// keyring://service/key references found in configuration.
package secrets

import (
	"errors"
	"log/slog"
	"strings"

	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service used by `memfabric secret`.
const DefaultService = "memfabric"

const scheme = "keyring://"

// Store reads and writes secrets by service and key.
type Store interface {
	Set(service, key, value string) error
	Get(service, key string) (string, error)
	Delete(service, key string) error
}

// Keyring implements Store on the OS keyring: Keychain on macOS,
// secret-service on Linux, Credential Manager on Windows.
type Keyring struct{}

var _ Store = Keyring{}

func (Keyring) Set(service, key, value string) error {
	if err := checkRef(service, key); err != nil {
		return err
	}
	if value == "" {
		return mferr.New(mferr.CodeSecretInvalidInput, "secret value must not be empty")
	}
	if err := keyring.Set(service, key, value); err != nil {
		return mferr.Wrapf(err, mferr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return nil
}

func (Keyring) Get(service, key string) (string, error) {
	if err := checkRef(service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", mferr.Errorf(mferr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return "", mferr.Wrapf(err, mferr.CodeSecretStoreFailure, "retrieving secret %s/%s", service, key)
	}
	return val, nil
}

func (Keyring) Delete(service, key string) error {
	if err := checkRef(service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return mferr.Errorf(mferr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return mferr.Wrapf(err, mferr.CodeSecretDeleteFailure, "deleting secret %s/%s", service, key)
	}
	return nil
}

func checkRef(service, key string) error {
	if service == "" || key == "" {
		return mferr.Errorf(mferr.CodeSecretInvalidInput, "secret service and key must not be empty, got %q/%q", service, key)
	}
	return nil
}

// IsRef reports whether value is a keyring:// reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// Ref builds the keyring://service/key reference for a stored secret.
func Ref(service, key string) string {
	return scheme + service + "/" + key
}

// ParseRef splits keyring://service/key. The key may contain slashes.
func ParseRef(ref string) (service, key string, err error) {
	if !IsRef(ref) {
		return "", "", mferr.Errorf(mferr.CodeSecretInvalidInput, "not a keyring reference: %q", ref)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(ref, scheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", mferr.Errorf(mferr.CodeSecretInvalidInput,
			"invalid keyring reference %q: expected keyring://service/key", ref)
	}
	return service, key, nil
}

// Resolve returns the secret behind a keyring reference. Other values are
// returned unchanged.
func Resolve(store Store, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	service, key, err := ParseRef(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Get(service, key)
	if err != nil {
		return "", mferr.Wrapf(err, mferr.CodeSecretResolveFailure, "resolving %q", value)
	}
	return secret, nil
}

// ResolveViper replaces every keyring reference among v's string values.
// Unresolvable references are logged and left in place so that the
// component using the value reports the failure.
func ResolveViper(v *viper.Viper, store Store) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if !IsRef(val) {
			continue
		}
		resolved, err := Resolve(store, val)
		if err != nil {
			slog.Warn("keyring reference not resolved", "config_key", key, "error", err)
			continue
		}
		v.Set(key, resolved)
	}
}
