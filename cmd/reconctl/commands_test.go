package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"payment-reconciler/internal/signature"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignProducesAVerifiableHeader(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	ts := time.Now().Unix()
	cmd := signCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--secret", "whsec_cli", "--file", path, "--timestamp", strconv.FormatInt(ts, 10)})
	require.NoError(t, cmd.Execute())

	header := strings.TrimSpace(out.String())
	assert.Equal(t, signature.Sign("whsec_cli", time.Unix(ts, 0), body), header)
	assert.NoError(t, signature.NewVerifier("whsec_cli", time.Minute).Verify(header, body))
}

func TestSignRequiresASecret(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	cmd := signCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--file", path})
	assert.Error(t, cmd.Execute())
}
