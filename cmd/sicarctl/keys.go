package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const minKeyBytes = 16

func newKeygenCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "API キーと API_KEY_HASH 用のハッシュを生成します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if size < minKeyBytes {
				return errors.Newf("--bytes must be at least %d", minKeyBytes)
			}
			key, err := generateKey(size)
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
			if err != nil {
				return errors.Wrap(err, "hash api key")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API_KEY=%s\n", key)
			fmt.Fprintf(out, "API_KEY_HASH=%s\n", hash)
			fmt.Fprintln(cmd.ErrOrStderr(), "API_KEY はクライアントに渡し、サーバーには API_KEY_HASH だけを設定してください。")
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "キーの乱数バイト数")
	return cmd
}

// generateKey は URL に安全な文字だけのランダムなキーを返します。
func generateKey(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "APP_PASSWORD_HASH 用の bcrypt ハッシュを生成します",
		Long:  "引数が無い場合はパスワードを標準入力の 1 行目から読み込みます。",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.Wrap(err, "read password from stdin")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password is empty")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return errors.Wrap(err, "hash password")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "APP_PASSWORD_HASH=%s\n", hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt のコスト")
	return cmd
}
