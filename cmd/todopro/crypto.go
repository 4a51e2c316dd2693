package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/todopro/todopro/internal/config"
	"github.com/todopro/todopro/internal/crypto"
	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

var cryptoCmd = &cobra.Command{
	Use:   "crypto",
	Short: "Manage field encryption",
	Long: `Manage end-to-end field encryption. Task content and descriptions
are encrypted with a key derived from a 24-word recovery phrase; the
phrase is shown exactly once and the key never leaves this machine.`,
}

var cryptoInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Turn on encryption for a context",
	Long: `Turn on encryption for the active (or --context) context. A fresh
recovery phrase is generated and existing tasks are encrypted in place.

Write the phrase down. Without it, a lost key file means lost data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		c, err := m.Context(flagContext)
		if err != nil {
			return err
		}
		return initEncryption(m, c.Name)
	},
}

var cryptoRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore a context's key from its recovery phrase",
	Long: `Restore the encryption key for the active (or --context) context
from its 24-word recovery phrase, for example on a new machine after
pulling an encrypted database. The phrase is read without echo.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		c, err := m.Context(flagContext)
		if err != nil {
			return err
		}

		fmt.Print("Recovery phrase: ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read recovery phrase: %w", err)
		}
		mnemonic := strings.Join(strings.Fields(string(line)), " ")

		key, err := crypto.DeriveKey(mnemonic)
		if err != nil {
			return err
		}
		if err := crypto.SaveKey(m.KeysDir(), c.Name, key); err != nil {
			return err
		}
		if !c.Encrypted {
			if err := m.SetEncrypted(c.Name, true); err != nil {
				return err
			}
		}

		// Prove the key fits the data before declaring victory.
		repo, err := m.Open(c.Name)
		if err != nil {
			return err
		}
		defer repo.Close()
		if _, err := repo.GetAll(context.Background(), model.KindTask, store.Filter{}); err != nil {
			return fmt.Errorf("key restored but the data does not verify against it: %w", err)
		}
		fmt.Printf("Key for context %q restored.\n", c.Name)
		return nil
	},
}

var cryptoRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate a context's encryption key",
	Long: `Re-encrypt the active (or --context) context under a fresh key and
recovery phrase. The old phrase stops working; write the new one down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		c, err := m.Context(flagContext)
		if err != nil {
			return err
		}
		if !c.Encrypted {
			return fmt.Errorf("context %q is not encrypted; run \"todopro crypto init\" first", c.Name)
		}
		oldKey, err := crypto.LoadKey(m.KeysDir(), c.Name)
		if err != nil {
			return err
		}
		if !flagYes {
			ok, err := confirm(fmt.Sprintf(
				"Rotate the key for context %q? The current recovery phrase stops working.", c.Name))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		repo, err := m.OpenRaw(c.Name)
		if err != nil {
			return err
		}
		defer repo.Close()
		rw, ok := repo.(crypto.FieldRewriter)
		if !ok {
			return fmt.Errorf("context %q does not support in-place key rotation", c.Name)
		}

		_, mnemonic, err := crypto.Rotate(context.Background(), rw, oldKey, m.KeysDir(), c.Name)
		if err != nil {
			return err
		}
		fmt.Printf("Key for context %q rotated.\n\n", c.Name)
		printMnemonic(mnemonic)
		return nil
	},
}

func init() {
	cryptoRotateCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip confirmation")
	cryptoCmd.AddCommand(cryptoInitCmd, cryptoRecoverCmd, cryptoRotateCmd)
	rootCmd.AddCommand(cryptoCmd)
}

// initEncryption generates a key for a context, encrypts whatever it already
// holds, and flips the context's encryption marker. Shared by "crypto init"
// and "context add --encrypted".
func initEncryption(m *config.Manager, name string) error {
	c, err := m.Context(name)
	if err != nil {
		return err
	}
	if c.Encrypted {
		return fmt.Errorf("context %q is already encrypted", name)
	}
	if _, err := crypto.LoadKey(m.KeysDir(), name); err == nil {
		return fmt.Errorf("a key file for context %q already exists; remove it first if you mean to start over", name)
	}

	mnemonic, key, err := crypto.NewMnemonic()
	if err != nil {
		return err
	}
	printMnemonic(mnemonic)

	ok, err := confirm("I have written the recovery phrase down.")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("aborted; nothing was changed")
	}

	if err := crypto.SaveKey(m.KeysDir(), name, key); err != nil {
		return err
	}

	// Encrypt what the store already holds, tombstones included, so no
	// plaintext survives the switch.
	repo, err := m.OpenRaw(name)
	if err != nil {
		return err
	}
	defer repo.Close()
	if rw, ok := repo.(crypto.FieldRewriter); ok {
		err := rw.RewriteFields(context.Background(), func(value string) (string, error) {
			if crypto.IsEncrypted(value) {
				return value, nil
			}
			return crypto.EncryptField(value, key)
		})
		if err != nil {
			return fmt.Errorf("failed to encrypt existing data: %w", err)
		}
	}

	if err := m.SetEncrypted(name, true); err != nil {
		return err
	}
	fmt.Printf("Context %q is now encrypted.\n", name)
	return nil
}

// printMnemonic renders the recovery phrase as a numbered grid.
func printMnemonic(mnemonic string) {
	words := strings.Fields(mnemonic)
	var b strings.Builder
	b.WriteString(headerStyle.Render("Recovery phrase") + "\n")
	for i, w := range words {
		fmt.Fprintf(&b, "%2d. %-12s", i+1, w)
		if (i+1)%4 == 0 {
			b.WriteString("\n")
		}
	}
	fmt.Println(summaryBox.Render(strings.TrimRight(b.String(), "\n")))
	fmt.Println(warnStyle.Render("This phrase is shown once. Store it somewhere safe."))
}
