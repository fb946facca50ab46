package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xipki/commons/pkg/p11"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspects and generates keys on a slot",
	}
	cmd.AddCommand(newKeysShowCmd())
	cmd.AddCommand(newKeysGenerateRSACmd())
	cmd.AddCommand(newKeysDestroyCmd())
	return cmd
}

func slotFlags(cmd *cobra.Command) (*uint64, *uint64) {
	index := cmd.Flags().Uint64("slot-index", 0, "slot index")
	id := cmd.Flags().Uint64("slot-id", 0, "slot id")
	return index, id
}

func resolveSlot(module *p11.Module, index, id uint64) (*p11.SlotBase, error) {
	slot, ok := module.Slot(p11.SlotId{Index: index, Id: id})
	if !ok {
		return nil, fmt.Errorf("no slot %d-%d on this module", index, id)
	}
	return slot, nil
}

func newKeysShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Shows details of a single object, or every object on the slot",
	}
	index, id := slotFlags(cmd)
	handle := cmd.Flags().Uint64("handle", 0, "object handle (0 lists every object)")
	verbose := cmd.Flags().Bool("verbose", false, "include key material summaries")
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

		var handlePtr *uint64
		if *handle != 0 {
			handlePtr = handle
		}
		return slot.ShowDetails(os.Stdout, handlePtr, *verbose)
	}
	return cmd
}

func newKeysGenerateRSACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate-rsa",
		Short: "Generates an RSA keypair on the slot",
	}
	index, id := slotFlags(cmd)
	bits := cmd.Flags().Int("bits", 2048, "modulus size in bits")
	label := cmd.Flags().String("label", "", "object label")
	extractable := cmd.Flags().Bool("extractable", false, "mark the private key extractable")
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

		keyId, err := slot.GenerateRSAKeypair(p11.RSAGenParams{KeySizeBits: *bits}, p11.NewKeyControl{Label: *label, Extractable: *extractable})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "generated handle=%d id=%s label=%s\n", keyId.Handle, hex.EncodeToString(keyId.Id), keyId.Label)
		return nil
	}
	return cmd
}

func newKeysDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroys the object matching id/label",
	}
	index, id := slotFlags(cmd)
	objId := cmd.Flags().String("id", "", "object id, hex-encoded")
	label := cmd.Flags().String("label", "", "object label")
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

		rawId, err := hex.DecodeString(*objId)
		if err != nil {
			return fmt.Errorf("decode --id: %w", err)
		}
		n, err := slot.DestroyObjectsByIdLabel(rawId, *label)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "destroyed %d object(s)\n", n)
		return nil
	}
	return cmd
}
