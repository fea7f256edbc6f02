// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sigil-dev/memfabric/internal/secrets"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func executeWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(new(bytes.Buffer))
	root.SetIn(strings.NewReader(input))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSecretCommand_SetAndDelete(t *testing.T) {
	keyring.MockInit()
	cfgPath, _ := writeConfig(t)

	out, err := executeWithInput(t, "sk-live-123\n", "secret", "set", "openai", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "keyring://memfabric/openai")

	val, err := secrets.Keyring{}.Get(secrets.DefaultService, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", val)

	out, err = executeWithInput(t, "", "secret", "delete", "openai", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	_, err = executeWithInput(t, "", "secret", "delete", "openai", "--config", cfgPath)
	require.Error(t, err)
	assert.True(t, mferr.IsNotFound(err))
}

func TestSecretCommand_EmptyValue(t *testing.T) {
	keyring.MockInit()
	cfgPath, _ := writeConfig(t)

	_, err := executeWithInput(t, "\n", "secret", "set", "openai", "--config", cfgPath)
	require.Error(t, err)
	assert.True(t, mferr.IsInvalidInput(err))
}
