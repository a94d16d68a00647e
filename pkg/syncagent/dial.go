package syncagent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 5 * time.Second

// Target 描述要連上的派對與身分
type Target struct {
	Server   string
	PartyID  string
	Nickname string
	UserID   string
	Token    string
}

// URL 把 http(s) 伺服器位址轉成 WebSocket 端點
func (t Target) URL() (string, error) {
	u, err := url.Parse(t.Server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	base, rawBase := strings.TrimSuffix(u.Path, "/"), strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = base + "/api/parties/" + t.PartyID + "/ws"
	u.RawPath = rawBase + "/api/parties/" + url.PathEscape(t.PartyID) + "/ws"

	q := url.Values{}
	q.Set("nickname", t.Nickname)
	if t.UserID != "" {
		q.Set("userId", t.UserID)
	}
	if t.Token != "" {
		q.Set("token", t.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial 建立 WebSocket 連線並回傳尚未啟動的 Agent
func Dial(ctx context.Context, t Target, cfg Config) (*Agent, error) {
	endpoint, err := t.URL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return New(conn, cfg), nil
}
