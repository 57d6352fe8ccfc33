package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/code-payments/market-billing/config"
	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/signature"
)

var (
	verifyMarket    string
	verifyPublicKey string
	verifySignature string
	verifyPayload   string

	keygenBits int

	signPrivateKey string
	signPayload    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a purchase signature offline",
	Long: `Check a SHA256withRSA purchase signature against a market's public key.

The public key defaults to the market's key from the config file. The payload
is read from --payload, or from stdin when omitted, and is used byte for byte.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		publicKey := verifyPublicKey
		if publicKey == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			market := cfg.Market
			if verifyMarket != "" {
				if market, err = iap.ParseMarket(verifyMarket); err != nil {
					return err
				}
			}

			var ok bool
			if publicKey, ok = cfg.PublicKeys[market]; !ok {
				return fmt.Errorf("no public key configured for %s (set %s or pass --public-key)", market, market.KeyEnv())
			}
		}

		payload, err := readPayload(cmd, verifyPayload)
		if err != nil {
			return err
		}

		log, err := zap.NewDevelopment()
		if err != nil {
			return err
		}

		if !signature.Verify(log, payload, verifySignature, publicKey) {
			return fmt.Errorf("signature is not valid for key %s", signature.Fingerprint(publicKey))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "valid (key %s)\n", signature.Fingerprint(publicKey))
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair for local signing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		priv, err := signature.GenerateKey(keygenBits)
		if err != nil {
			return err
		}

		publicKey, err := signature.EncodePublicKey(&priv.PublicKey)
		if err != nil {
			return err
		}
		privateKey, err := signature.EncodePrivateKey(priv)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "public_key=%s\n", publicKey)
		fmt.Fprintf(out, "private_key=%s\n", privateKey)
		fmt.Fprintf(out, "fingerprint=%s\n", signature.Fingerprint(publicKey))
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a payload the way a vendor signs purchase data",
	RunE: func(cmd *cobra.Command, _ []string) error {
		priv, err := signature.ParsePrivateKey(signPrivateKey)
		if err != nil {
			return err
		}

		payload, err := readPayload(cmd, signPayload)
		if err != nil {
			return err
		}

		sig, err := signature.Sign(priv, payload)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), sig)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyMarket, "market", "", "market whose configured key to use (default MARKET_TYPE)")
	verifyCmd.Flags().StringVar(&verifyPublicKey, "public-key", "", "base64 public key, overriding the config file")
	verifyCmd.Flags().StringVar(&verifySignature, "signature", "", "base64 signature")
	verifyCmd.Flags().StringVar(&verifyPayload, "payload", "", "signed purchase data (default stdin)")
	_ = verifyCmd.MarkFlagRequired("signature")

	keygenCmd.Flags().IntVar(&keygenBits, "bits", signature.DefaultKeyBits, "RSA modulus size")

	signCmd.Flags().StringVar(&signPrivateKey, "private-key", "", "base64 PKCS#8 private key")
	signCmd.Flags().StringVar(&signPayload, "payload", "", "payload to sign (default stdin)")
	_ = signCmd.MarkFlagRequired("private-key")
}

// readPayload returns flagValue, or stdin without its trailing newline.
func readPayload(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("no payload given")
		}
	}

	b, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(string(b), "\n"), "\r"), nil
}
