package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"verimsg/internal/model"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Signer produces signed resources on behalf of this node's identity.
	Signer interface {
		Sign(o model.SignedObject) (model.SignedObject, error)
		Identity() model.SignedObject
		Permalink() string
	}

	// Client talks to an external push-notification server: it registers
	// this node as a publisher once and then nudges unreachable subscribers
	// so their devices come fetch the backlog.
	Client struct {
		endpoint string
		signer   Signer
		http     *http.Client
	}
)

func NewClient(endpoint string, signer Signer) *Client {
	return &Client{
		endpoint: endpoint,
		signer:   signer,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureRegistered announces this node's identity to the push server as a
// publisher. Safe to repeat.
func (c *Client) EnsureRegistered(ctx context.Context) error {
	body := map[string]any{
		"identity": c.signer.Identity().Strip(),
	}
	if err := c.post(ctx, "/publishers", body); err != nil {
		return fmt.Errorf("registering with push server: %w", err)
	}
	log.Debug("registered with push server", zap.String("permalink", c.signer.Permalink()))
	return nil
}

// Push notifies a subscriber that messages await them here. The request is
// signed so the push server can verify the publisher.
func (c *Client) Push(ctx context.Context, subscriber string) error {
	notification, err := c.signer.Sign(model.SignedObject{
		model.TypeProp: model.PushNotificationType,
		"publisher":    c.signer.Permalink(),
		"subscriber":   subscriber,
	})
	if err != nil {
		return err
	}
	if err := c.post(ctx, "/notifications", notification.Strip()); err != nil {
		return fmt.Errorf("pushing notification for %s: %w", subscriber, err)
	}
	log.Debug("sent push notification", zap.String("subscriber", subscriber))
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push server returned status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
