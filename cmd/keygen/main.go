package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/relaytrade/pkg/crypto"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
)

var rootCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Manage relaytrade identities and sign order events offline",
}

var newKeyCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("Public Key:  %s\n", keys.PublicKeyHex())
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", keys.PrivateKeyHex())
		fmt.Println()
		fmt.Println("To use it, set in .env:")
		fmt.Printf("  PRIVATE_KEY=%s\n", keys.PrivateKeyHex())
		return nil
	},
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey <private key hex>",
	Short: "Print the public key for a private key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := crypto.FromPrivateKeyHex(args[0])
		if err != nil {
			return err
		}
		fmt.Println(keys.PublicKeyHex())
		return nil
	},
}

var signFlags struct {
	privateKey string
	kind       string
	fiatCode   string
	amount     int64
	fiatAmount int64
	minAmount  int64
	maxAmount  int64
	method     string
	premium    int64
}

var signOrderCmd = &cobra.Command{
	Use:   "sign-order",
	Short: "Build and sign an order event, then print it as JSON",
	RunE:  signOrder,
}

func signOrder(cmd *cobra.Command, args []string) error {
	var (
		keys *crypto.Keys
		err  error
	)
	if signFlags.privateKey == "" {
		signFlags.privateKey = os.Getenv("PRIVATE_KEY")
	}
	if signFlags.privateKey != "" {
		keys, err = crypto.FromPrivateKeyHex(signFlags.privateKey)
	} else {
		keys, err = crypto.GenerateKey()
	}
	if err != nil {
		return err
	}

	kind, ok := order.ParseKind(signFlags.kind)
	if !ok {
		return fmt.Errorf("kind must be buy or sell, got %q", signFlags.kind)
	}
	var fiat order.FiatAmount
	switch {
	case signFlags.minAmount > 0 || signFlags.maxAmount > 0:
		fiat = order.RangeFiat(signFlags.minAmount, signFlags.maxAmount)
	case signFlags.fiatAmount > 0:
		fiat = order.FixedFiat(signFlags.fiatAmount)
	}
	o, err := order.New(kind, signFlags.fiatCode, signFlags.amount, fiat, signFlags.method, signFlags.premium)
	if err != nil {
		return err
	}

	ev := nostr.Event{
		Kind:      nostr.KindOrder,
		CreatedAt: time.Now().Unix(),
		Tags:      order.Encode(o),
	}
	if err := ev.Sign(keys); err != nil {
		return err
	}
	if err := ev.Verify(); err != nil {
		return fmt.Errorf("signed event does not verify: %w", err)
	}

	out, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Order %s (%s %s, fiat %s) signed by %s\n", o.ID, o.Kind, o.FiatCode, o.Fiat, keys.PublicKeyHex())
	fmt.Println(string(out))
	return nil
}

func init() {
	f := signOrderCmd.Flags()
	f.StringVar(&signFlags.privateKey, "key", "", "private key hex (default $PRIVATE_KEY, or a fresh key)")
	f.StringVar(&signFlags.kind, "kind", "sell", "buy or sell")
	f.StringVar(&signFlags.fiatCode, "fiat", "USD", "fiat currency code")
	f.Int64Var(&signFlags.amount, "amount", 0, "amount in base units, 0 for market price")
	f.Int64Var(&signFlags.fiatAmount, "fiat-amount", 0, "fixed fiat amount")
	f.Int64Var(&signFlags.minAmount, "min", 0, "range minimum")
	f.Int64Var(&signFlags.maxAmount, "max", 0, "range maximum")
	f.StringVar(&signFlags.method, "method", "bank_transfer", "payment method")
	f.Int64Var(&signFlags.premium, "premium", 0, "premium percent over market")

	rootCmd.AddCommand(newKeyCmd, pubkeyCmd, signOrderCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
