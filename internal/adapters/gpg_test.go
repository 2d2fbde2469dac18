package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-publisher/internal/types"
)

const gpgShowKeysOutput = `sec:-:4096:1:6D64C8E1B5A49C53:1700000000:::-:::scESC::::::23::0:
fpr:::::::::A1B2C3D4E5F60718293A4B5C6D64C8E1B5A49C53:
uid:-::::1700000000::1B6A4E1C2F8E7D61E1F7A0C3C9B1C2D3E4F5A6B7::Repo Signing <repo@example.org>::::::::::0:
ssb:-:4096:1:0F1E2D3C4B5A6978:1700000000::::::e:::::23:
fpr:::::::::00112233445566778899AABB0F1E2D3C4B5A6978:
`

func TestParseKeyFingerprint(t *testing.T) {
	fpr, err := parseKeyFingerprint(gpgShowKeysOutput)
	require.NoError(t, err)
	assert.Equal(t, "A1B2C3D4E5F60718293A4B5C6D64C8E1B5A49C53", fpr)
}

func TestParseKeyFingerprintWithoutPrimaryKey(t *testing.T) {
	_, err := parseKeyFingerprint("ssb:-:4096:1:0F1E2D3C4B5A6978:\nfpr:::::::::00112233445566778899AABB0F1E2D3C4B5A6978:\n")
	require.Error(t, err)
}

func TestGPGKeyringImportsIntoPrivateHome(t *testing.T) {
	binary, argsFile := fakeCommand(t, "gpg", gpgShowKeysOutput, "", 0)
	keyring := GPGKeyring{Binary: binary, Home: "/tmp/ws/gnupg"}

	keyID, err := keyring.ImportKey(t.Context(), "/tmp/ws/key.gpg")
	require.NoError(t, err)
	assert.Equal(t, "A1B2C3D4E5F60718293A4B5C6D64C8E1B5A49C53", keyID)
	assert.Equal(t,
		"--homedir /tmp/ws/gnupg --show-keys --with-colons /tmp/ws/key.gpg\n"+
			"--homedir /tmp/ws/gnupg --batch --import /tmp/ws/key.gpg\n",
		readArgs(t, argsFile))
}

func TestGPGSignerArguments(t *testing.T) {
	cases := []struct {
		name   string
		target types.SignTarget
		want   string
	}{
		{
			name:   "detached",
			target: types.SignTarget{Path: "/repo/el9/x86_64/repodata/repomd.xml"},
			want:   "--homedir /h --local-user=KEY --batch --yes --output /repo/el9/x86_64/repodata/repomd.xml.asc --detach-sign --armor /repo/el9/x86_64/repodata/repomd.xml\n",
		},
		{
			name:   "clear signed",
			target: types.SignTarget{Path: "/repo/dists/jammy/Release", Output: "/repo/dists/jammy/InRelease", Clear: true},
			want:   "--homedir /h --local-user=KEY --batch --yes --output /repo/dists/jammy/InRelease --clearsign /repo/dists/jammy/Release\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			binary, argsFile := fakeCommand(t, "gpg", "", "", 0)
			signer := GPGSigner{Binary: binary, Home: "/h", KeyID: "KEY"}
			require.NoError(t, signer.Sign(t.Context(), tc.target))
			assert.Equal(t, tc.want, readArgs(t, argsFile))
		})
	}
}

func TestGPGSignerFailure(t *testing.T) {
	binary, _ := fakeCommand(t, "gpg", "", "gpg: signing failed: No secret key", 2)
	signer := GPGSigner{Binary: binary, Home: "/h", KeyID: "KEY"}
	err := signer.Sign(t.Context(), types.SignTarget{Path: "/repo/Release"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpg command failed")
}

func TestGPGSignerRequiresKey(t *testing.T) {
	err := GPGSigner{Binary: "gpg", Home: "/h"}.Sign(t.Context(), types.SignTarget{Path: "/repo/Release"})
	require.Error(t, err)
}
