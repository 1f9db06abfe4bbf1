package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/sovereign/client"
	"github.com/SWAI-Ltd/sovereign/internal/crypto"
)

var (
	relayAddr string
	keyFile   string
	nodeID    string
	verbose   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "node",
		Short:        "Sovereign peer: publish to and listen on a relay",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl := slog.LevelInfo
			if verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&relayAddr, "relay", "", "relay address (empty: discover over mDNS)")
	pf.StringVar(&keyFile, "key", "", "node key file (empty: ephemeral identity)")
	pf.StringVar(&nodeID, "id", "", "node id (default: from key file, or node-<fingerprint>)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(listenCmd(), sendCmd(), keygenCmd())
	return root
}

func identity() (crypto.Keys, error) {
	var k crypto.Keys
	if keyFile != "" {
		var err error
		if k, err = crypto.LoadKeyFile(keyFile); err != nil {
			return crypto.Keys{}, err
		}
		if k.Signer == nil {
			return crypto.Keys{}, fmt.Errorf("%s has no signing key; generate one with `node keygen`", keyFile)
		}
	} else {
		seal, err := crypto.GenerateKeyPair()
		if err != nil {
			return crypto.Keys{}, err
		}
		signer, err := crypto.GenerateEd25519Signer()
		if err != nil {
			return crypto.Keys{}, err
		}
		k = crypto.Keys{ID: "node-" + crypto.Fingerprint(signer.PublicKey())[:8], Seal: seal, Signer: signer}
	}
	if nodeID != "" {
		k.ID = nodeID
	}
	return k, nil
}

func connect(ctx context.Context, buffer int) (*client.Client, error) {
	k, err := identity()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	c, err := client.New(dialCtx, client.Config{
		RelayAddr:     relayAddr,
		ID:            k.ID,
		Signer:        k.Signer,
		Keys:          k.Seal,
		MessageBuffer: buffer,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("connected", "id", k.ID, "relay", c.RelayID(), "scheme", k.Signer.Scheme())
	return c, nil
}

func listenCmd() *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every message relayed to this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := connect(ctx, 256)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					if n := c.Dropped(); n > 0 {
						slog.Warn("messages dropped while printing", "count", n)
					}
					return nil
				case m, ok := <-c.Messages():
					if !ok {
						return errors.New("relay connection closed")
					}
					if topic != "" && m.Topic != topic {
						continue
					}
					fmt.Fprintf(out, "[%s] %s %s: %s\n", time.Now().Format("15:04:05"), m.From, m.Topic, m.Payload)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "only print this topic")
	return cmd
}

func sendCmd() *cobra.Command {
	var linger time.Duration
	cmd := &cobra.Command{
		Use:   "send <topic> <message>",
		Short: "Publish one message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connect(ctx, 1)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Publish(ctx, args[0], []byte(args[1])); err != nil {
				return err
			}
			// Closing the connection right away can discard the frame in flight.
			time.Sleep(linger)
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
	cmd.Flags().DurationVar(&linger, "linger", 250*time.Millisecond, "wait before closing the connection")
	return cmd
}

func keygenCmd() *cobra.Command {
	var (
		out    string
		scheme string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node key file with seal and signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", out)
			}
			s, err := crypto.ParseScheme(scheme)
			if err != nil {
				return err
			}
			var signer crypto.Signer
			switch s {
			case crypto.SchemeDilithium3:
				signer, err = crypto.GenerateDilithium3Signer(nil)
			default:
				signer, err = crypto.GenerateEd25519Signer()
			}
			if err != nil {
				return err
			}
			seal, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			id := nodeID
			if id == "" {
				id = "node-" + crypto.Fingerprint(signer.PublicKey())[:8]
			}
			if err := crypto.SaveKeyFile(out, crypto.Keys{ID: id, Seal: seal, Signer: signer}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (id %s, %s key %s)\n", out, id, s, crypto.Fingerprint(signer.PublicKey()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "node-key.json", "output path")
	cmd.Flags().StringVar(&scheme, "scheme", string(crypto.SchemeEd25519), "signature scheme: ed25519 or dilithium3")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
