package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filerelay/discovery"
	"filerelay/network"
	"filerelay/storage"
	"filerelay/transfer"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Listen for incoming files",
	Long: `Listen for senders and store received files under the configured files
directory. Transfers with gaps are re-requested every --retry-interval until
they complete or the sender disconnects.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		key, _ := cmd.Flags().GetString("key")
		advertise, _ := cmd.Flags().GetBool("advertise")
		retryInterval, _ := cmd.Flags().GetDuration("retry-interval")
		maxRequests, _ := cmd.Flags().GetInt("max-requests")

		if listen == "" {
			listen = fmt.Sprintf(":%d", appConfig.ListenPort)
		}

		opts := appConfig.TransferOptions()
		if key != "" {
			opts.DefaultKey = key
		}
		opts.MaxResendRequests = maxRequests

		store, dbPath, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer store.Close()

		server, err := network.Listen(listen, network.LinkOptions{Route: appConfig.PreferRoute})
		if err != nil {
			return err
		}
		defer server.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Device Name:     %s\n", appConfig.DeviceName)
		fmt.Fprintf(out, "Listening On:    %s\n", server.Addr())
		fmt.Fprintf(out, "Files Directory: %s\n", appConfig.FilesDir)
		fmt.Fprintf(out, "Database File:   %s\n", dbPath)

		if advertise {
			advertiser, err := discovery.Advertise(discovery.Config{
				DeviceID:   appConfig.DeviceID,
				DeviceName: appConfig.DeviceName,
				Port:       server.Port(),
				Route:      appConfig.PreferRoute,
			})
			if err != nil {
				logrus.WithError(err).Warn("mDNS advertisement unavailable")
			} else {
				defer advertiser.Stop()
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var accept acceptFunc
		if !opts.AutoAccept {
			accept = promptAccept(cmd.InOrStdin(), out)
		}

		var wg sync.WaitGroup
		defer wg.Wait()

		fmt.Fprintln(out, "Status:          waiting for senders (press Ctrl+C to stop)")
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(out, "Status:          shutting down")
				return nil
			case err, ok := <-server.Errors():
				if ok {
					logrus.WithError(err).Warn("accept failed")
				}
			case link, ok := <-server.Incoming():
				if !ok {
					return nil
				}
				sess, err := newSession(link, sessionOptions{
					Transfer: opts,
					Store:    store,
					FilesDir: appConfig.FilesDir,
					Accept:   accept,
				})
				if err != nil {
					_ = link.Close()
					return err
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					runReceiveSession(ctx, sess, retryInterval)
				}()
			}
		}
	},
}

// runReceiveSession periodically re-requests missing chunks and closes the
// link once every transfer it carried has been stored.
func runReceiveSession(ctx context.Context, sess *session, retryInterval time.Duration) {
	defer sess.link.Close()

	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	log := sess.log
	log.Info("sender connected")
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.link.Done():
			log.Info("sender disconnected")
			return
		case <-ticker.C:
			if n := sess.engine.RetryPending(); n > 0 {
				log.WithField("transfers", n).Debug("retried incomplete transfers")
			}
		case id := <-sess.Delivered():
			if len(sess.engine.Transfers()) == 0 {
				log.WithField("transfer_id", id).Info("all transfers stored, closing link")
				return
			}
		}
	}
}

// promptAccept asks on in/out before delivering each ready transfer. Prompts
// from concurrent sessions are serialized.
func promptAccept(in io.Reader, out io.Writer) acceptFunc {
	var mu sync.Mutex
	reader := bufio.NewReader(in)
	return func(t transfer.IncomingTransfer) bool {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(out, "Accept %q (%d bytes) from %s? [y/N] ", t.Name, t.Size, t.From)
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

func init() {
	receiveCmd.Flags().String("listen", "", "listen address (default: :<listen_port>)")
	receiveCmd.Flags().String("key", "", "passphrase for encrypted transfers (default: configured default_key)")
	receiveCmd.Flags().Bool("advertise", true, "advertise this receiver over mDNS")
	receiveCmd.Flags().Duration("retry-interval", 5*time.Second, "how often to re-request missing chunks")
	receiveCmd.Flags().Int("max-requests", 0, "give up on a transfer after this many resend requests (0 = never)")

	rootCmd.AddCommand(receiveCmd)
}
