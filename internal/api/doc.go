// Package api 處理 HTTP 請求路由和處理。
//
// 這個包負責把 REST 與 WebSocket 路由掛到 gin 上：
// 派對紀錄的建立與查詢，以及觀影派對的即時連線端點。
package api
