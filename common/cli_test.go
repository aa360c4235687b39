// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require.True(t, IsUsageError(errors.New("unknown flag: --bogus")))
	require.True(t, IsUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.True(t, IsUsageError(errors.New("failed to load config file: open x: no such file")))
	require.False(t, IsUsageError(errors.New("client: 127.0.0.1:1965 unreachable: connection refused")))
}
