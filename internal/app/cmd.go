package app

import (
	"fmt"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションのクリーンアップワーカーとして起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// commands はサポートするサブコマンドと説明。Usageの表示順を兼ねる。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "start the HTTP API server (default)"},
	{CommandWorker, "purge expired sessions periodically"},
	{CommandMigrate, "apply database migrations"},
	{CommandHealthcheck, "check /health on the local server"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返し、サポート外のコマンドはエラーにする。
// 2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	for _, c := range commands {
		if args[0] == string(c.cmd) {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("unknown command %q\n\n%s", args[0], Usage())
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: authgate [command]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.desc)
	}
	return b.String()
}
