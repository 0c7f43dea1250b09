// Package battleship 是即時雙人海戰棋的會話協調服務。
//
// 架構總覽：
//
//	┌─────────────┐   WebSocket    ┌──────────────────┐
//	│   瀏覽器     │ ◄────────────► │  internal/server │
//	└─────────────┘                └────────┬─────────┘
//	                                        │ 動作 / 事件
//	                               ┌────────▼─────────────┐
//	                               │ internal/coordinator │
//	                               │  （調度核心 + 掃描）   │
//	                               └─┬────┬────┬────┬────┘
//	                                 │    │    │    │
//	            internal/queue ◄─────┘    │    │    └────► internal/limiter
//	            internal/room  ◄──────────┘    └─────────► internal/token
//	                 │
//	                 ▼
//	            internal/game（純規則引擎）
//
//	可選外部依賴：
//	  internal/store     → Redis（分散式狀態鏡像，建議性）
//	  internal/telemetry → PostgreSQL（事件落庫，fire-and-forget）
//
// 核心設計決策：
//   - 本地記憶體為權威狀態，共享儲存只是鏡像：Redis 不可用時
//     系統退化為單機模式而非整體失效
//   - 生命週期一律由單一定期掃描裁決（排隊逾時、寬限期滿、
//     閒置房間、租約與限流桶回收），不養逐項計時器
//   - 重連以不透明令牌為憑證，所有以身分為鍵的狀態在重連時原子性換鍵
package battleship
