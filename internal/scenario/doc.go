// Package scenario はワークロードシナリオの実行機能を提供する。
//
// シナリオエンジンは control.Registry を通してプロトコル、キー生成器、
// 存在モデル、操作、クライアントを組み立て、指定時間（またはリクエスト上限まで）
// 負荷をかけて操作ごとの統計を集める。
//
// # 機能
//
// - シナリオ定義と実行
// - 計測前のキーのプリロード
// - 定義済みプリセットシナリオ
// - 実行結果のレポート生成
//
// # プリセットシナリオ
//
// - quick: 短時間の動作確認
// - read-mostly: zipf 分布の読み出し中心
// - write-heavy: 挿入・削除・値の変更中心
// - range: パーセンテージと密度補正付きの範囲読み出し
// - fuzzy: 固定スロットの Fuzzy モデル
//
// # 使用例
//
//	config := scenario.ReadMostlyScenario()
//	engine := scenario.New(config)
//	result, err := engine.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Report())
package scenario
