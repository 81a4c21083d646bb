package api

import (
	"net/http"
	"testing"

	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/delivery"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
)

func newTestApp(t *testing.T, store database.Store) *ChatRelayApp {
	l := testutil.TestLogger(t)
	reg := presence.NewRegistry(store, l, stats.NopStats{})
	eng := delivery.NewEngine(store, reg, l, stats.NopStats{}, 0)
	cs := server.NewChatServer(l, reg, eng, stats.NopStats{}, server.Options{})
	cfg := &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	return NewChatRelayApp(http.NewServeMux(), l, cs, store, cfg)
}
