package cmd

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/chatbank/internal/api"
	"github.com/chatbank/internal/app"
	"github.com/chatbank/internal/config"
	"github.com/chatbank/internal/outbound"
	"github.com/chatbank/pkg/models"
)

func testApp() *cli.App {
	return &cli.App{
		Flags:    []cli.Flag{&cli.StringFlag{Name: "config"}},
		Commands: []*cli.Command{PublishCommand(), ConfigCommand()},
	}
}

func TestPublishCommandPostsToServer(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "chatbank.toml")
	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)

	rt, err := app.New(context.Background(), cfg, app.Options{Sink: outbound.NewRecorder(16)})
	require.NoError(t, err)
	defer rt.Close()
	server, err := api.NewServer(rt, api.Options{})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	phone := "+2348000000020"
	err = testApp().Run([]string{"chatbank", "--config", cfgPath, "publish",
		"--api-url", ts.URL,
		"--kind", "intent.detected",
		"--phone", phone,
		"--payload", `{"phone":"` + phone + `","intent":"Greeting"}`,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Flush(ctx))
	_, err = rt.Store().GetConversation(ctx, models.RoutingKey{Phone: phone})
	assert.NoError(t, err)
}

func TestPublishCommandRejectsBadInput(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "chatbank.toml")
	err := testApp().Run([]string{"chatbank", "--config", cfgPath, "publish", "--kind", "nope", "--phone", "p"})
	assert.Error(t, err)
}

func TestConfigInitAndValidate(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "chatbank.toml")
	require.NoError(t, testApp().Run([]string{"chatbank", "config", "init", "--output", cfgPath}))
	assert.NoError(t, testApp().Run([]string{"chatbank", "--config", cfgPath, "config", "validate"}))
}
