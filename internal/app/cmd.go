package app

// Command はengageproサーバーバイナリの起動モード。
type Command string

const (
	// CommandServe はREST API・SSE配信・お知らせポーラーを起動する。
	CommandServe Command = "serve"
	// CommandWorker は認証データのクリーンアップを定期実行する。
	CommandWorker Command = "worker"
	// CommandCleanup はクリーンアップを1回だけ実行して終了する。cronからの起動用。
	CommandCleanup Command = "cleanup"
	// CommandMigrate はマイグレーションを適用し、必要ならデモアカウントを作成する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandCleanup):     CommandCleanup,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数から起動モードを決める。
// 引数なし、または未知のモードはserveとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
