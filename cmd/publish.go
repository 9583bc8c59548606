package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chatbank/internal/api"
	"github.com/chatbank/internal/api/auth"
	"github.com/chatbank/internal/config"
	"github.com/chatbank/internal/messages"
	"github.com/chatbank/pkg/models"
)

// PublishCommand returns the CLI command that injects one message through the admin API
func PublishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Publish a message to a running chatbank server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Message kind, e.g. intent.detected", Required: true},
			&cli.StringFlag{Name: "correlation-id", Usage: "Routing key correlation id"},
			&cli.StringFlag{Name: "user-id", Usage: "Routing key user id"},
			&cli.StringFlag{Name: "phone", Usage: "Routing key phone number"},
			&cli.StringFlag{Name: "payload", Usage: "Message payload as JSON", Value: "{}"},
			&cli.StringFlag{Name: "message-id", Usage: "Message id (generated when empty)"},
			&cli.StringFlag{Name: "api-url", Usage: "Admin API base URL (default http://localhost:<api.port>)"},
		},
		Action: runPublish,
	}
}

// TokenCommand returns the CLI command that mints an admin API token
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an admin API bearer token signed with api.jwt_secret",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Usage: "Token subject", Value: "operator"},
			&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: time.Hour},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			token, err := adminToken(cfg, c.String("subject"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func runPublish(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	req := api.PublishRequest{
		MessageID: c.String("message-id"),
		Kind:      messages.Kind(c.String("kind")),
		Key: models.RoutingKey{
			CorrelationID: c.String("correlation-id"),
			UserID:        c.String("user-id"),
			Phone:         c.String("phone"),
		},
		Payload: json.RawMessage(c.String("payload")),
	}
	// Validate locally before sending.
	if _, err := req.Envelope(time.Now()); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	baseURL := c.String("api-url")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", cfg.API.Port)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(c.Context, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.API.JWTSecret != "" {
		token, err := adminToken(cfg, "publish", 5*time.Minute)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("publish failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	fmt.Println(strings.TrimSpace(string(respBody)))
	return nil
}

func adminToken(cfg *config.Config, subject string, ttl time.Duration) (string, error) {
	tokens, err := auth.NewTokenService(cfg.API.JWTSecret)
	if err != nil {
		return "", fmt.Errorf("api.jwt_secret is not configured: %w", err)
	}
	return tokens.IssueToken(subject, ttl)
}
