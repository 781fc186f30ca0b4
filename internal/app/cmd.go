package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun は常駐エージェントモードで起動することを示す。
	// 自動同期スケジューラ、ライブ更新チャネル、OAuthコールバックリスナーを含む。
	CommandRun Command = "run"
	// CommandLogin はログインして終了することを示す。
	CommandLogin Command = "login"
	// CommandLink はAniListアカウントの連携フローを実行することを示す。
	CommandLink Command = "link"
	// CommandSync は手動同期を1回実行して終了することを示す。
	CommandSync Command = "sync"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRunを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandRun
	}

	switch args[0] {
	case "run":
		return CommandRun
	case "login":
		return CommandLogin
	case "link":
		return CommandLink
	case "sync":
		return CommandSync
	default:
		return CommandRun
	}
}
