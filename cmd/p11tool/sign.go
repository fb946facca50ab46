package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xipki/commons/pkg/p11"
)

func newSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Signs stdin with a key identified by id or label",
	}
	index, id := slotFlags(cmd)
	keyId := cmd.Flags().String("key-id", "", "key id, hex-encoded")
	keyLabel := cmd.Flags().String("key-label", "", "key label")
	mechanismName := cmd.Flags().String("mechanism", "CKM_SHA256_RSA_PKCS", "mechanism name, e.g. CKM_SHA256_RSA_PKCS")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		module, err := openModule()
		if err != nil {
			return err
		}
		defer module.Close()

		slot, err := resolveSlot(module, *index, *id)
		if err != nil {
			return err
		}

		mechanism, ok := p11.ResolveStandardMechanismName(*mechanismName)
		if !ok {
			return fmt.Errorf("unknown mechanism %q", *mechanismName)
		}

		rawKeyId, err := hex.DecodeString(*keyId)
		if err != nil {
			return fmt.Errorf("decode --key-id: %w", err)
		}
		key, err := slot.GetKeyByIdLabel(rawKeyId, *keyLabel)
		if err != nil {
			return err
		}

		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}

		sig, err := slot.Sign(mechanism, p11.P11Params{}, nil, key.Id.Handle, content)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(sig))
		return nil
	}
	return cmd
}
