package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// runSecret manages secrets in the configured store's vault. It needs
// DRIP_VAULT_PASSPHRASE; the environment vault is read-only.
func runSecret(args []string) {
	if len(args) == 0 {
		fatal("usage: drip secret set KEY [VALUE] | get KEY | list | delete KEY")
	}
	cfg, err := loadConfig()
	if err != nil {
		fatal("%v", err)
	}
	if cfg.VaultPassphrase == "" {
		fatal("DRIP_VAULT_PASSPHRASE is required to manage secrets")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		fatal("%v", err)
	}
	defer st.Close()
	vault, err := openVault(cfg, st)
	if err != nil {
		fatal("%v", err)
	}

	cmd, rest := args[0], args[1:]
	switch {
	case cmd == "set" && (len(rest) == 1 || len(rest) == 2):
		var value []byte
		if len(rest) == 2 {
			value = []byte(rest[1])
		} else if value, err = io.ReadAll(os.Stdin); err != nil {
			fatal("read stdin: %v", err)
		}
		value = []byte(strings.TrimRight(string(value), "\r\n"))
		if err := vault.Store(ctx, rest[0], value); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("stored %s\n", rest[0])
	case cmd == "get" && len(rest) == 1:
		value, err := vault.Resolve(ctx, rest[0])
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(string(value))
	case cmd == "list" && len(rest) == 0:
		keys, err := vault.List(ctx)
		if err != nil {
			fatal("%v", err)
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	case cmd == "delete" && len(rest) == 1:
		if err := vault.Delete(ctx, rest[0]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("deleted %s\n", rest[0])
	default:
		fatal("usage: drip secret set KEY [VALUE] | get KEY | list | delete KEY")
	}
}
