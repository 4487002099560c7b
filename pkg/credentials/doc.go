/*
Package credentials stores data-source secrets sealed with AES-256-GCM.

Preflight checks and scan operations often need to authenticate against
the sources they probe. The Vault keeps that material out of the main
store and out of configuration files: credentials live in a dedicated
bolt file holding only ciphertext, sealed under a key derived from an
operator passphrase.

# Sealing

	key        = SHA-256(passphrase)            // 32 bytes for AES-256
	stored     = nonce || GCM(key, nonce, json) // nonce prepended

Every credential is serialized to JSON and sealed independently, so a
single corrupted record cannot take the rest of the vault with it. A
wrong passphrase opens the file fine but fails to unseal any record.

# Usage

	vault, err := credentials.Open("/var/lib/ferret/credentials.db", passphrase)
	if err != nil {
		return err
	}
	defer vault.Close()

	err = vault.Put(&credentials.Credential{
		Name:   "warehouse",
		Kind:   credentials.KindBearer,
		Secret: token,
	})

	cred, err := vault.Get("warehouse")
	if key, value, ok := cred.AuthHeader(); ok {
		checker.WithHeader(key, value)
	}

Credential kinds map onto HTTP headers via AuthHeader: basic becomes a
base64 Authorization header, bearer a token Authorization header, and
api_key an X-API-Key header. Preflight sources reference credentials by
name in configuration; serve resolves them at startup.

The vault file should be owned by the engine user with mode 0600. The
passphrase is never persisted.
*/
package credentials
