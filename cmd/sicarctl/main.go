// Package main は運用者向けの sicarctl コマンドです。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sicarctl",
		Short: "SICAR API の運用コマンド",
		Long: `SICAR API の運用コマンドです。

  keygen         API キーと bcrypt ハッシュを生成する
  hash-password  ダッシュボード用パスワードのハッシュを生成する
  migrate        データベースのマイグレーションを適用する
  reconcile      停止時に running のまま残ったジョブとタスクを failed にする
  stats          ダウンロードジョブの集計を表示する

データベースの場所などは API サーバーと同じ環境変数（.env.local）から読み込みます。`,
		SilenceUsage: true,
	}
	root.AddCommand(newKeygenCmd(), newHashPasswordCmd(), newMigrateCmd(), newReconcileCmd(), newStatsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
