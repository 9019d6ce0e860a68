package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/pairing"
)

// pairingChannels are the surfaces pairing codes can originate from.
var pairingChannels = []string{"telegram", "discord", "slack", "whatsapp", "signal", "imessage", "web", "node"}

// pairingCmd manages device/DM pairing approvals from the CLI, operating
// on the same pairing file the gateway writes.
func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "List and approve pending pairing requests",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pairing requests across all channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openPairingStore()
			if err != nil {
				return err
			}
			any := false
			for _, ch := range pairingChannels {
				for _, r := range mgr.List(ch) {
					any = true
					state := "pending"
					if r.Approved {
						state = "approved"
					}
					fmt.Printf("%-10s %-10s %-24s %s  expires %s\n", r.Code, state, r.Peer, r.Channel, r.ExpiresAt.Format("15:04:05"))
				}
			}
			if !any {
				fmt.Println("no pairing requests")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing request by code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openPairingStore()
			if err != nil {
				return err
			}
			req, err := mgr.Approve(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("approved %s on %s\n", req.Peer, req.Channel)
			return nil
		},
	})

	return cmd
}

func openPairingStore() (*pairing.Manager, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Dir(config.ExpandHome(cfg.Sessions.Storage))
	return pairing.NewManager(filepath.Join(stateDir, "credentials", "pairing.json")), nil
}
