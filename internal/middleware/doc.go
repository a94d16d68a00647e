// Package middleware 提供了 HTTP 請求處理的中間件。
//
// 目前包含 JWT 身分解析：派對建立等管理介面需要有效 token，
// 觀影連線則允許訪客，只在帶有 token 時附上使用者 ID 供主持人選舉使用。
package middleware
