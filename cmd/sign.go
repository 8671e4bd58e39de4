package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wecomgw/internal/channels/wecom/wxcrypt"
)

// signCmd computes callback signatures, for wiring up WeCom or replaying a
// captured request with curl.
func signCmd() *cobra.Command {
	var (
		token, timestamp, nonce, encrypt string
		aesKey, receiveID, plaintext     string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute a msg_signature (optionally encrypting a payload first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			if timestamp == "" {
				timestamp = strconv.FormatInt(time.Now().Unix(), 10)
			}
			if nonce == "" {
				nonce = uuid.NewString()[:8]
			}
			if plaintext != "" {
				if aesKey == "" {
					return fmt.Errorf("--aes-key is required with --plaintext")
				}
				enc, err := wxcrypt.Encrypt(aesKey, receiveID, []byte(plaintext))
				if err != nil {
					return err
				}
				encrypt = enc
			}
			if encrypt == "" {
				return fmt.Errorf("--encrypt or --plaintext is required")
			}

			fmt.Printf("timestamp=%s\n", timestamp)
			fmt.Printf("nonce=%s\n", nonce)
			fmt.Printf("msg_signature=%s\n", wxcrypt.Signature(token, timestamp, nonce, encrypt))
			if plaintext != "" {
				fmt.Printf("encrypt=%s\n", encrypt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "callback token")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "timestamp (default: now)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "nonce (default: random)")
	cmd.Flags().StringVar(&encrypt, "encrypt", "", "ciphertext (or echostr) to sign")
	cmd.Flags().StringVar(&aesKey, "aes-key", "", "EncodingAESKey, used with --plaintext")
	cmd.Flags().StringVar(&receiveID, "receive-id", "", "receiveId trailer (bot id or corp id), used with --plaintext")
	cmd.Flags().StringVar(&plaintext, "plaintext", "", "encrypt this payload, then sign the ciphertext")
	return cmd
}
