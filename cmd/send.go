package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	appcrypto "filerelay/crypto"
	"filerelay/discovery"
	"filerelay/network"
	"filerelay/storage"
	"filerelay/transfer"
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to a receiver",
	Long: `Send a file to a receiver addressed by --to host:port or by a peer name
found on the local network with --peer. After the last chunk the sender keeps
answering resend requests until the receiver disconnects or --linger elapses.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		peerQuery, _ := cmd.Flags().GetString("peer")
		key, _ := cmd.Flags().GetString("key")
		route, _ := cmd.Flags().GetString("route")
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")
		linger, _ := cmd.Flags().GetDuration("linger")

		if (to == "") == (peerQuery == "") {
			return fmt.Errorf("exactly one of --to or --peer is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		address := to
		if peerQuery != "" {
			peer, err := findPeer(ctx, peerQuery)
			if err != nil {
				return err
			}
			address = peer.Address()
			if route == "" {
				route = peer.Route
			}
		}

		src, file, err := transfer.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer file.Close()

		store, _, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer store.Close()

		link, err := network.Dial(ctx, address, network.LinkOptions{Route: route})
		if err != nil {
			return err
		}
		defer link.Close()

		sess, err := newSession(link, sessionOptions{
			Transfer: appConfig.TransferOptions(),
			Store:    store,
			FilesDir: appConfig.FilesDir,
		})
		if err != nil {
			return err
		}

		out, err := sess.engine.Send(ctx, src, transfer.SendOptions{
			Passphrase: key,
			ChunkSize:  chunkSize,
			Route:      route,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("send interrupted")
			}
			return fmt.Errorf("sending %s: %w", filepath.Base(args[0]), err)
		}
		if out.Cancelled {
			return fmt.Errorf("transfer %s cancelled: %s", out.ID, out.CancelReason)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s (%d bytes, %d chunks) to %s\n", out.Name, out.Size, out.TotalChunks, address)
		if out.Encrypted {
			fmt.Fprintf(cmd.OutOrStdout(), "Key fingerprint: %s\n", appcrypto.FormatFingerprint(out.Fingerprint))
		}

		serveResends(ctx, sess, linger)
		sess.engine.Release()
		return nil
	},
}

// serveResends keeps the link open so the finished transfer can answer
// resend requests. It returns when the peer disconnects, linger elapses or
// ctx ends.
func serveResends(ctx context.Context, sess *session, linger time.Duration) {
	if linger <= 0 {
		return
	}
	timer := time.NewTimer(linger)
	defer timer.Stop()

	logrus.WithField("linger", linger).Debug("serving resend requests")
	select {
	case <-sess.link.Done():
	case <-timer.C:
	case <-ctx.Done():
	}
}

func findPeer(ctx context.Context, query string) (discovery.Peer, error) {
	peers, err := discovery.Browse(ctx, discovery.Config{DeviceID: appConfig.DeviceID})
	if err != nil {
		return discovery.Peer{}, fmt.Errorf("discovering peers: %w", err)
	}
	return discovery.Resolve(peers, query)
}

func init() {
	sendCmd.Flags().String("to", "", "receiver address as host:port")
	sendCmd.Flags().String("peer", "", "receiver device name or id found via mDNS")
	sendCmd.Flags().String("key", "", "passphrase for encryption (default: configured default_key)")
	sendCmd.Flags().String("route", "", "routing hint passed to the receiver")
	sendCmd.Flags().Int("chunk-size", 0, "chunk size in bytes (default: configured chunk_size)")
	sendCmd.Flags().Duration("linger", 30*time.Second, "how long to keep answering resend requests after sending")

	rootCmd.AddCommand(sendCmd)
}
