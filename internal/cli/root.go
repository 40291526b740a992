package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/roomcall/internal/app"
	"github.com/petervdpas/roomcall/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/petervdpas/roomcall/internal/cli.Version=x.y.z"
var Version = "dev"

// ConfigFile is the config name inside a peer directory.
const ConfigFile = "roomcall.json"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "roomcall",
		Short:         "Peer-to-peer voice and video rooms over a libp2p mesh",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newPeerCmd(), newJoinCmd())
	return root
}

func newPeerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peer <directory>",
		Short: "Run a peer and its local viewer",
		Long: `Run a peer from the given directory. The directory holds roomcall.json
(created with defaults when missing), the identity key and the avatar.

Examples:
  roomcall peer ./peers/alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd.Context(), args[0], "")
		},
	}
}

func newJoinCmd() *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:     "join <directory>",
		Short:   "Run a peer and join a room right away",
		Example: `  roomcall join ./peers/alice --room standup`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd.Context(), args[0], room)
		},
	}
	cmd.Flags().StringVarP(&room, "room", "r", "", "room to join")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runPeer(ctx context.Context, dirArg, room string) error {
	absDir, err := peerDir(dirArg)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(absDir, ConfigFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	return app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Room:    room,
	})
}

func peerDir(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid peer directory: %w", err)
	}
	if st, err := os.Stat(abs); err != nil || !st.IsDir() {
		return "", fmt.Errorf("peer directory does not exist: %s", abs)
	}
	return abs, nil
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
