package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"web_editor/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrChannelCreateFailed = errors.New("relay: channel create failed")
	ErrConnClosed          = errors.New("relay: connection closed")
)

const (
	WriteTimeout = 10 * time.Second
	maxFrameSize = 1 << 20
)

type (
	// FrameHandler receives every inbound text frame verbatim, in order, from a
	// single read goroutine. HandleClose is called exactly once.
	FrameHandler interface {
		HandleFrame(frame string)
		HandleClose(err error)
	}

	Config struct {
		// BaseURL is the HTTP root used for POST /create.
		BaseURL string
		// WSBaseURL is the websocket root; sockets dial WSBaseURL/<channelId>.
		WSBaseURL string
		UserAgent string
		Timeout   time.Duration
	}

	Client struct {
		base      string
		wsBase    string
		userAgent string

		http   *http.Client
		dialer *websocket.Dialer
		logger *zap.Logger
	}

	// Conn is one duplex relay socket.
	Conn struct {
		channelID string
		ws        *websocket.Conn
		logger    *zap.Logger

		writeMu   sync.Mutex
		closeOnce sync.Once
		done      chan struct{}
	}

	keyResponse struct {
		Key string `json:"key"`
	}
)

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = log.Named("relay")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	wsBase := strings.TrimRight(cfg.WSBaseURL, "/")
	if wsBase == "" {
		wsBase = wsFromHTTP(strings.TrimRight(cfg.BaseURL, "/"))
	}
	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		wsBase:    wsBase,
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// CreateChannel asks the relay for a fresh ephemeral channel.
func (c *Client) CreateChannel(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/create", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChannelCreateFailed, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChannelCreateFailed, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d", ErrChannelCreateFailed, resp.StatusCode)
	}

	id := lastSegment(resp.Header.Get("Location"))
	if id == "" {
		var kr keyResponse
		if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
			return "", fmt.Errorf("%w: %v", ErrChannelCreateFailed, err)
		}
		id = strings.TrimSpace(kr.Key)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty channel id", ErrChannelCreateFailed)
	}

	c.logger.Debug("relay channel created", log.Channel(id))
	return id, nil
}

// OpenSocket dials the channel and starts forwarding inbound text frames to h.
func (c *Client) OpenSocket(ctx context.Context, channelID string, h FrameHandler) (*Conn, error) {
	header := http.Header{}
	if c.userAgent != "" {
		header.Set("User-Agent", c.userAgent)
	}

	ws, _, err := c.dialer.DialContext(ctx, c.wsBase+"/"+url.PathEscape(channelID), header)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", channelID, err)
	}
	ws.SetReadLimit(maxFrameSize)

	conn := &Conn{
		channelID: channelID,
		ws:        ws,
		logger:    c.logger.With(log.Channel(channelID)),
		done:      make(chan struct{}),
	}
	go conn.readLoop(h)
	return conn, nil
}

func (c *Conn) ChannelID() string {
	return c.channelID
}

// Done is closed once the socket has stopped reading.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop(h FrameHandler) {
	var closeErr error
	defer func() {
		c.shutdown()
		h.HandleClose(closeErr)
	}()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeErr = err
			}
			c.logger.Debug("relay socket closed", zap.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.HandleFrame(string(data))
	}
}

// Send writes one text frame.
func (c *Conn) Send(text string) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}
	return nil
}

// Close sends a close frame with code and reason, then drops the connection.
// Calling it more than once is a no-op.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		err = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteTimeout))
		c.writeMu.Unlock()
		if cerr := c.ws.Close(); err == nil {
			err = cerr
		}
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func lastSegment(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if u, err := url.Parse(loc); err == nil {
		loc = u.Path
	}
	s := path.Base(strings.TrimRight(loc, "/"))
	if s == "." || s == "/" {
		return ""
	}
	return s
}

func wsFromHTTP(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
