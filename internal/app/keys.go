package app

import (
	"context"
	"errors"
	"fmt"

	"peg-stabilizer/internal/audit"
)

// RotateKey adds a new payload key to the keystore. Older versions stay in
// the file so existing profiles can still be opened.
func (a *App) RotateKey(_ context.Context) error {
	path := a.Config.Security.KeystorePath
	if path == "" {
		return errors.New("security.keystore_path not configured")
	}
	keys, err := audit.OpenFileKeyring(path)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	prev := keys.ActiveVersion()
	next, err := keys.Rotate()
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	a.Logger.Info().Int("previous_version", prev).Int("active_version", next).Str("keystore", path).Msg("payload key rotated")
	fmt.Fprintf(a.out(), "active key version: %d\n", next)
	return nil
}

// SignerInfo prints the key id and public identity of the configured signer,
// for distribution to auditors as a trusted signer.
func (a *App) SignerInfo(_ context.Context) error {
	signer, err := a.newSigner()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out(), "key id: %s\n", signer.KeyID())
	switch s := signer.(type) {
	case *audit.Ed25519Signer:
		fmt.Fprintf(a.out(), "trusted signer entry: %x\n", []byte(s.PublicKey()))
	case *audit.EthereumSigner:
		fmt.Fprintf(a.out(), "trusted signer entry: %s\n", s.Address().Hex())
	}
	return nil
}
