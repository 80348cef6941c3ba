package app

import (
	"strconv"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はクリーンアップワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandBootstrap はロールのシードと初期化マーカーの更新を実行することを示す。
	CommandBootstrap Command = "bootstrap"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "bootstrap":
		return CommandBootstrap
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateAction はmigrateサブコマンドの動作を表す。
type MigrateAction struct {
	Direction string // "up"、"down"、"version"
	Steps     int    // downで戻すステップ数
}

// ParseMigrateAction はmigrate以降の引数を解析する。
// 引数なしはup、"down"のみは1ステップ戻す。
func ParseMigrateAction(args []string) MigrateAction {
	if len(args) == 0 {
		return MigrateAction{Direction: "up"}
	}
	switch args[0] {
	case "down":
		steps := 1
		if len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
				steps = n
			}
		}
		return MigrateAction{Direction: "down", Steps: steps}
	case "version":
		return MigrateAction{Direction: "version"}
	default:
		return MigrateAction{Direction: "up"}
	}
}

// HasFlag は引数列に指定フラグが含まれるかを返す。
func HasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// FlagValue は "--flag value" または "--flag=value" 形式の値を返す。
// フラグが無い、または値が欠けている場合はokがfalseになる。
func FlagValue(args []string, flag string) (value string, ok bool) {
	for i, a := range args {
		if a == flag {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				return args[i+1], true
			}
			return "", false
		}
		if v, found := strings.CutPrefix(a, flag+"="); found && v != "" {
			return v, true
		}
	}
	return "", false
}
