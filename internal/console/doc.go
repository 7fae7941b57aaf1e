// Package console はシナリオを対話的に操作する readline コンソールを提供する。
//
// 実行中のシナリオに対して次のコマンドを受け付ける。
//
//	status                       シナリオとクライアントの状態
//	ops                          操作の一覧（番号・名前・クエリ数・ハンドル）
//	poll <op> [samples] [reset]  統計のスナップショット
//	reset <op>                   統計のリセット
//	start / stop                 クライアントの開始と停止
//	quit                         終了
//
// <op> には ops が表示する番号かハンドルを指定する。
package console
