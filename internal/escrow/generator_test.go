package escrow

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeneratorOutput(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{"ok", `{"success":true,"contract_address":"bchtest:pqabc"}`, "bchtest:pqabc", false},
		{"log lines before result", "compiling\n{\"success\":true,\"contract_address\":\"bchtest:pqabc\"}\n", "bchtest:pqabc", false},
		{"failure with message", `{"success":false,"error":"bad pubkey"}`, "", true},
		{"failure without message", `{"success":false}`, "", true},
		{"no address", `{"success":true}`, "", true},
		{"not json", "Error: cannot find module", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGeneratorOutput([]byte(tt.out))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrGeneratorFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScriptGenerator_RunsScript(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "contract.sh")
	body := `#!/bin/sh
[ "$1" = "contract" ] || { echo "unexpected command $1" >&2; exit 2; }
echo "{\"success\":true,\"contract_address\":\"bchtest:p$2$3$4-$5-$6\"}"
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o600))

	g := NewScriptGenerator(script).WithRuntime("sh")
	addr, err := g.Generate(context.Background(), GenerateParams{
		ArbiterPubKey: "a", SellerPubKey: "s", BuyerPubKey: "b",
		ServiceFee: 2000, ArbitrationFee: 3000,
	})
	require.NoError(t, err)
	assert.Equal(t, "bchtest:pasb-2000-3000", addr)
}

func TestScriptGenerator_Failure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "contract.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo boom >&2; exit 1\n"), 0o600))

	_, err := NewScriptGenerator(script).WithRuntime("sh").Generate(context.Background(), GenerateParams{})
	assert.ErrorIs(t, err, ErrGeneratorFailed)
	assert.Contains(t, err.Error(), "boom")
}
