package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/devit-sh/devit-mcpd/internal/config"
	"github.com/devit-sh/devit-mcpd/internal/journal"
)

// cmdVerify replays a journal file and reports whether its HMAC chain is
// intact (SPEC_FULL.md §6.1: `devit-mcpd verify --journal <path>`).
func cmdVerify(args []string) int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: load config: %v\n", err)
		return 64
	}

	journalPath := cfg.JournalPath
	for _, arg := range args {
		if v, ok := stringFlag(arg, "--journal="); ok {
			journalPath = v
		}
	}

	key := journal.LoadOrCreateMACKey(cfg.JournalKey)
	div, err := journal.Verify(journalPath, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: verify: %v\n", err)
		return 64
	}

	if div == nil {
		fmt.Println(`{"ok":true}`)
		return 0
	}

	out, _ := json.Marshal(map[string]interface{}{
		"ok":               false,
		"journal_mac_mismatch": true,
		"line":             div.Line,
		"expected":         div.Expected,
		"stored":           div.Stored,
	})
	fmt.Println(string(out))
	return 2
}
