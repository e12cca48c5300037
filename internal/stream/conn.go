package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/conversate/conversate/ai-server/pkg/contracts"
	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrConnectionClosed is returned by calls made on a closed connection.
var ErrConnectionClosed = errors.New("stream connection closed")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// wireEvent is an inbound websocket frame.
type wireEvent struct {
	models.Event
	Error *APIError `json:"error,omitempty"`
}

// Conn is one user's live websocket session. It implements
// contracts.LiveConnection.
type Conn struct {
	client       *Client
	user         models.User
	token        string
	ws           *websocket.Conn
	connectionID string

	writeMu sync.Mutex

	mu       sync.RWMutex
	channels map[string]*Channel // key: cid

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect opens a websocket session for user. The token must be one this
// client's secret signed for user. The dial is retried with exponential
// backoff; an authentication failure is not retried.
func (c *Client) Connect(ctx context.Context, user models.User, token string) (contracts.LiveConnection, error) {
	return c.connect(ctx, user, token)
}

func (c *Client) connect(ctx context.Context, user models.User, token string) (*Conn, error) {
	if err := c.checkToken(user.ID, token); err != nil {
		return nil, fmt.Errorf("connect %s: %w", user.ID, err)
	}

	endpoint, err := c.connectURL(user, token)
	if err != nil {
		return nil, err
	}

	var ws *websocket.Conn
	var connectionID string
	op := func() error {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("dial: %s: %w", resp.Status, err))
			}
			log.Warn().Err(err).Str("user_id", user.ID).Msg("Stream dial failed, retrying")
			return fmt.Errorf("dial: %w", err)
		}
		id, err := awaitConnectionID(conn)
		if err != nil {
			conn.Close()
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		ws, connectionID = conn, id
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxDialRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("connect %s: %w", user.ID, err)
	}

	conn := &Conn{
		client:       c,
		user:         user,
		token:        token,
		ws:           ws,
		connectionID: connectionID,
		channels:     make(map[string]*Channel),
		done:         make(chan struct{}),
	}
	conn.wg.Add(2)
	go conn.readLoop()
	go conn.healthLoop(c.healthInterval)

	log.Info().Str("user_id", user.ID).Str("connection_id", connectionID).Msg("Connected to Stream Chat")
	return conn, nil
}

// checkToken rejects tokens the server would refuse anyway, without
// spending a dial on them.
func (c *Client) checkToken(userID, token string) error {
	claims, err := c.signer.Verify(token)
	if err != nil {
		return err
	}
	if sub, _ := claims["user_id"].(string); sub != userID {
		return fmt.Errorf("%w: issued for %q", ErrInvalidToken, sub)
	}
	return nil
}

func (c *Client) connectURL(user models.User, token string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"user_id":                          user.ID,
		"user_details":                     user,
		"server_determines_connection_id": true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal connect payload: %w", err)
	}
	q := url.Values{}
	q.Set("json", string(payload))
	q.Set("api_key", c.apiKey)
	q.Set("authorization", token)
	q.Set("stream-auth-type", "jwt")
	return c.wsURL + "?" + q.Encode(), nil
}

// awaitConnectionID reads the first frame, which carries the connection id
// on success or an error payload on rejection.
func awaitConnectionID(ws *websocket.Conn) (string, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var ev wireEvent
	if err := ws.ReadJSON(&ev); err != nil {
		return "", fmt.Errorf("read handshake: %w", err)
	}
	if ev.Error != nil {
		return "", ev.Error
	}
	if ev.ConnectionID == "" {
		return "", fmt.Errorf("handshake %q carried no connection id", ev.Type)
	}
	return ev.ConnectionID, nil
}

// ConnectionID returns the server-assigned id of this session.
func (c *Conn) ConnectionID() string { return c.connectionID }

// Channel returns the bot's handle for a channel. Handles are cached, so
// repeated calls for the same channel return the same object.
func (c *Conn) Channel(channelType, channelID string) contracts.Channel {
	return c.channel(channelType, channelID)
}

func (c *Conn) channel(channelType, channelID string) *Channel {
	cid := models.CID(channelType, channelID)

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[cid]
	if !ok {
		ch = newChannel(c, channelType, channelID)
		c.channels[cid] = ch
	}
	return ch
}

// Close ends the session. It is safe to call more than once.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(writeTimeout),
		)
		c.writeMu.Unlock()

		err = c.ws.Close()
		c.wg.Wait()
		log.Info().Str("user_id", c.user.ID).Str("connection_id", c.ConnectionID()).Msg("Disconnected from Stream Chat")
	})
	return err
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed() {
				log.Error().Err(err).Str("user_id", c.user.ID).Msg("Stream connection lost")
			}
			return
		}

		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Str("user_id", c.user.ID).Msg("Dropping undecodable Stream event")
			continue
		}
		c.dispatch(&ev.Event)
	}
}

func (c *Conn) dispatch(ev *models.Event) {
	if ev.Type == models.EventHealthCheck || ev.CID == "" {
		return
	}
	c.mu.RLock()
	ch, ok := c.channels[ev.CID]
	c.mu.RUnlock()
	if ok {
		ch.handle(ev)
	}
}

func (c *Conn) healthLoop(interval time.Duration) {
	defer c.wg.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			frame := []map[string]string{{"type": models.EventHealthCheck, "client_id": c.connectionID}}
			if err := c.writeJSON(frame); err != nil && !c.closed() {
				log.Warn().Err(err).Str("user_id", c.user.ID).Msg("Stream health check failed")
			}
		}
	}
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}
